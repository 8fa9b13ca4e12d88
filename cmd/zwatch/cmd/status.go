package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zeami/zwatch/internal/adapters/socket"
	"github.com/zeami/zwatch/internal/app"
	"github.com/zeami/zwatch/internal/domain/status"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"health"},
	Short:   "Check daemon status and watched targets",
	RunE:    runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	root := daemonRoot()
	sockPath := socket.SocketPath(root)
	client := socket.NewClient(sockPath)

	if !client.Ping() {
		fmt.Println("⚡ zwatch daemon is not running")
		if last, err := status.ReadJSON(app.NewPaths(root).Status); err == nil {
			fmt.Print(formatLastRun(last))
		}
		return nil
	}

	health, err := client.Health()
	if err != nil {
		return err
	}
	fmt.Print(formatHealth(health))

	targets, err := client.Targets()
	if err != nil {
		return err
	}
	fmt.Print(formatTargets(targets))
	return nil
}
