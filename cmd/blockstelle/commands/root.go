package commands

import (
	"github.com/gleisnetz/blockstelle/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

//RootCmd is the root command for blockstelle
var RootCmd = &cobra.Command{
	Use:              "blockstelle",
	Short:            "blockstelle ledger",
	TraverseChildren: true,
}
