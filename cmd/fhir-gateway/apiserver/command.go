package apiserver

import (
	"github.com/spf13/cobra"

	"github.com/healthgate/fhir-gateway/internal/business"
	"github.com/healthgate/fhir-gateway/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"api-server",
		"FHIR Gateway API server",
		"FHIR Gateway API server hosts the public auth and token HTTP API",
		buildInfo,
		cmdutils.RunAsService,
		business.Main,
	)
}
