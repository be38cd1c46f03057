// Command wsbridge sends SOAP requests to policy-enforcing gateways.
//
// Usage:
//
//	wsbridge serve --config wsbridge.yaml
//	wsbridge send --config wsbridge.yaml --gateway main --action '"getQuote"' request.xml
//	wsbridge policy show policy.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wsbridge",
		Short:         "wsbridge applies gateway security policies to SOAP requests",
		Long:          "wsbridge forwards SOAP requests to a gateway, decorating them as the gateway's policy demands and recovering from the failures the gateway reports.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "wsbridge.yaml", "path to the configuration file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newSendCmd())
	root.AddCommand(newPolicyCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
