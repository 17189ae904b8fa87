package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itcaffenet/ggnet/internal/config"
	"github.com/itcaffenet/ggnet/internal/domain"
)

var cmdSession = &cobra.Command{
	Use:   "session",
	Short: "manage diskless boot sessions",
}

var sessionStartType string
var sessionStartClientIP string

var cmdSessionStart = &cobra.Command{
	Use:   "start <machine-id> <image-id>",
	Short: "start a session, provisioning an iSCSI target and boot files for a machine",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionStart,
}

var cmdSessionStop = &cobra.Command{
	Use:   "stop <session-id>",
	Short: "stop a session and tear down its iSCSI target and boot files",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionStop,
}

var cmdSessionGet = &cobra.Command{
	Use:   "get <session-id>",
	Short: "print a session's current state",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionGet,
}

func init() {
	cmdSessionStart.Flags().StringVar(&sessionStartType, "type", string(domain.SessionDisklessBoot), "session type: DISKLESS_BOOT, MAINTENANCE, or TESTING")
	cmdSessionStart.Flags().StringVar(&sessionStartClientIP, "client-ip", "", "client IP address reported by the initiator")
	cmdSession.AddCommand(cmdSessionStart, cmdSessionStop, cmdSessionGet)
	root.AddCommand(cmdSession)
}

func runSessionStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return &configError{err}
	}
	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	sess, err := eng.orch.StartSession(context.Background(), domain.ID(args[0]), domain.ID(args[1]), domain.SessionType(sessionStartType), sessionStartClientIP)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s -> %s\n", sess.ID, sess.Status)
	return nil
}

func runSessionStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return &configError{err}
	}
	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.orch.StopSession(context.Background(), domain.ID(args[0])); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s stopped\n", args[0])
	return nil
}

func runSessionGet(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return &configError{err}
	}
	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	sess, err := eng.store.GetSession(domain.ID(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "id=%s machine=%s image=%s status=%s started=%s last_activity=%s\n",
		sess.ID, sess.MachineID, sess.ImageID, sess.Status, sess.StartedAt, sess.LastActivity)
	return nil
}
