package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-wsbridge/pkg/policy"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect policy documents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show FILE",
		Short: "Parse a policy document and print its assertion tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading policy: %w", err)
			}
			return showPolicy(cmd.OutOrStdout(), data)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "kinds",
		Short: "List the assertion kinds policy documents may use",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, k := range policy.Kinds() {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
		},
	})
	return cmd
}

func showPolicy(w io.Writer, data []byte) error {
	doc, err := policy.ParseDocument(data)
	if err != nil {
		return err
	}
	version := doc.Policy.Version()
	if version == "" {
		version = "(none)"
	}
	fmt.Fprintf(w, "version: %s\n", version)
	if doc.Gateway != "" {
		fmt.Fprintf(w, "gateway: %s\n", doc.Gateway)
	}
	if doc.Key != nil {
		fmt.Fprintf(w, "key: %s\n", doc.Key)
	}
	fmt.Fprintln(w, "assertions:")
	return policy.Dump(w, doc.Policy.Root())
}
