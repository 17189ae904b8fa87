//go:build !linux

package preflight

import "errors"

// diskUsage is unsupported off Linux; the target deployment for a diskless
// boot orchestrator driving targetcli/dhcpd/tftpd is Linux-only.
func diskUsage(path string) (free, total uint64, err error) {
	return 0, 0, errors.New("preflight: disk usage check is only supported on linux")
}
