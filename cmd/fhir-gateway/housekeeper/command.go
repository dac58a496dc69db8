package housekeeper

import (
	"github.com/spf13/cobra"

	"github.com/healthgate/fhir-gateway/internal/business"
	"github.com/healthgate/fhir-gateway/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"housekeeper",
		"FHIR Gateway housekeeping job",
		"FHIR Gateway housekeeping job deletes idle sessions and sweeps expired storage entries",
		buildInfo,
		cmdutils.RunAsJob,
		business.HousekeeperMain,
	)
}
