package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (s *session) serveCommand() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and MCP endpoint until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if s.interactive {
				return fmt.Errorf("serve is not available inside the shell")
			}
			return s.deps.Serve(cmd.Context(), port)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (default from KENSA_PORT)")
	return cmd
}
