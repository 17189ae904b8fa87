package orchestrator

import (
	"fmt"
	"strings"

	"github.com/itcaffenet/ggnet/internal/domain"
)

// iqnAuthorityDate is the fixed "<year>-<month>" component of every IQN
// this installation mints (spec.md §6). Per RFC 3720, this date names when
// the naming authority registered the reverse-DNS domain, not the boot
// date of any particular session — it must never track time.Now(), or IQNs
// for the same machine/image pair would differ across restarts, breaking
// the "deterministic, reproducible" requirement.
const iqnAuthorityDate = "2025-10"

func shortID(id domain.ID) string {
	s := string(id)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// targetIQN derives the deterministic target IQN for (machine, image)
// (spec.md §6: "iqn.<year>-<month>.<reverse-dns>:target-<machine-id>-<short-image-id>").
func targetIQN(authority string, machineID, imageID domain.ID) string {
	return fmt.Sprintf("iqn.%s.%s:target-%s-%s", iqnAuthorityDate, authority, machineID, shortID(imageID))
}

// initiatorIQN derives the deterministic initiator IQN from a machine's MAC
// address (spec.md §6: "likewise deterministic from the MAC").
func initiatorIQN(authority, mac string) string {
	sanitized := strings.ToLower(strings.ReplaceAll(mac, ":", ""))
	return fmt.Sprintf("iqn.%s.%s:initiator-%s", iqnAuthorityDate, authority, sanitized)
}
