package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itcaffenet/ggnet/internal/config"
	"github.com/itcaffenet/ggnet/internal/domain"
)

var cmdMachine = &cobra.Command{
	Use:   "machine",
	Short: "manage machines known to the orchestrator",
}

var (
	reportMAC          string
	reportIP           string
	reportBootMode     string
	reportManufacturer string
	reportModel        string
	reportSerial       string
)

var cmdMachineReportHardware = &cobra.Command{
	Use:   "report-hardware",
	Short: "idempotently upsert a machine's hardware descriptor by MAC address",
	RunE:  runMachineReportHardware,
}

func init() {
	f := cmdMachineReportHardware.Flags()
	f.StringVar(&reportMAC, "mac", "", "MAC address, canonical lowercase colon form (required)")
	f.StringVar(&reportIP, "ip", "", "IP address currently reported by the machine")
	f.StringVar(&reportBootMode, "boot-mode", string(domain.BootModeUEFI), "BIOS, UEFI, or UEFI_SECURE")
	f.StringVar(&reportManufacturer, "manufacturer", "", "hardware manufacturer")
	f.StringVar(&reportModel, "model", "", "hardware model")
	f.StringVar(&reportSerial, "serial", "", "hardware serial number")
	if err := cmdMachineReportHardware.MarkFlagRequired("mac"); err != nil {
		panic(err)
	}
	cmdMachine.AddCommand(cmdMachineReportHardware)
	root.AddCommand(cmdMachine)
}

func runMachineReportHardware(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return &configError{err}
	}
	eng, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	m, created, err := eng.store.UpsertMachineByMAC(reportMAC, func(m *domain.Machine) {
		m.IPAddress = reportIP
		m.BootMode = domain.BootMode(reportBootMode)
		m.IsOnline = true
		m.Hardware = &domain.HardwareDescriptor{
			Manufacturer: reportManufacturer,
			Model:        reportModel,
			Serial:       reportSerial,
		}
	})
	if err != nil {
		return err
	}

	verb := "updated"
	if created {
		verb = "created"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s machine %s (mac=%s)\n", verb, m.ID, m.MACAddress)
	return nil
}
