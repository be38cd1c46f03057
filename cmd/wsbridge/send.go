package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sirosfoundation/go-wsbridge/internal/config"
	"github.com/sirosfoundation/go-wsbridge/pkg/message"
	"github.com/sirosfoundation/go-wsbridge/pkg/policy"
)

type sendOptions struct {
	gateway     string
	action      string
	uri         string
	proxyURI    string
	contentType string
	out         string
	prompt      bool
}

func newSendCmd() *cobra.Command {
	var opts sendOptions
	cmd := &cobra.Command{
		Use:   "send REQUEST.xml",
		Short: "Send one SOAP request through the bridge",
		Long: "Reads a SOAP request from a file (or - for stdin), sends it to a gateway applying the gateway's policy, " +
			"and writes the gateway's reply.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			body, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.out != "" {
				f, err := os.Create(opts.out)
				if err != nil {
					return fmt.Errorf("creating output file: %w", err)
				}
				defer f.Close()
				out = f
			}
			return runSend(cmd.Context(), cfg, opts, body, out, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.gateway, "gateway", "", "ID of the gateway to send to (required)")
	cmd.Flags().StringVar(&opts.action, "action", "", "SOAPAction of the request")
	cmd.Flags().StringVar(&opts.uri, "uri", "", "service namespace; defaults to the namespace of the first body element")
	cmd.Flags().StringVar(&opts.proxyURI, "proxy-uri", "", "path the policy is attached to")
	cmd.Flags().StringVar(&opts.contentType, "content-type", "text/xml; charset=utf-8", "content type of the request")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "write the reply to a file instead of stdout")
	cmd.Flags().BoolVar(&opts.prompt, "prompt", false, "ask for credentials on the terminal")
	_ = cmd.MarkFlagRequired("gateway")
	return cmd
}

func readInput(stdin io.Reader, name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("reading request: %w", err)
	}
	return data, nil
}

func runSend(ctx context.Context, cfg *config.Config, opts sendOptions, body []byte, out, logOut io.Writer) error {
	a, err := newApp(ctx, cfg, appOptions{Prompt: opts.prompt, LogOutput: logOut})
	if err != nil {
		return err
	}
	defer a.Close()

	gw, ok := a.gateways[opts.gateway]
	if !ok {
		return fmt.Errorf("unknown gateway %q", opts.gateway)
	}

	req := message.New(body, opts.contentType)
	key := policy.AttachmentKey{URI: opts.uri, SOAPAction: opts.action, ProxyURI: opts.proxyURI}
	if key.URI == "" {
		if doc, err := req.Document(); err == nil {
			key.URI = message.PayloadNamespace(doc)
		}
	}

	rc, err := a.processor.NewRequestContext(gw, req, key, "")
	if err != nil {
		return err
	}
	defer rc.Close(context.WithoutCancel(ctx))

	if err := a.processor.ProcessMessage(ctx, rc); err != nil {
		return err
	}

	resp := rc.Response()
	reply, err := resp.Bytes()
	if err != nil {
		return fmt.Errorf("reading reply: %w", err)
	}
	if _, err := out.Write(reply); err != nil {
		return fmt.Errorf("writing reply: %w", err)
	}
	if resp.IsFault() {
		a.logger.Warn("gateway replied with a fault", "gateway", gw.ID)
	}
	return nil
}
