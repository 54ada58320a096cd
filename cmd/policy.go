package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/paneld/paneld/internal/guard"
)

var (
	policyPath    string
	policyProfile string
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the command policy",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <command>",
	Short: "Show whether a command would be allowed",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		policy, err := guard.LoadPolicy(policyPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		verdict, err := guard.NewExecutor(policy, 0, 0, zap.NewNop()).Check(policyProfile, args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		if verdict.Allowed {
			fmt.Println("allowed")
			return
		}
		fmt.Printf("rejected by %s: %s\n", verdict.Rule, verdict.Reason)
		os.Exit(1)
	},
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyCheckCmd)
	policyCheckCmd.Flags().StringVar(&policyPath, "policy", os.Getenv("PANELD_POLICY"), "Command policy YAML (default: built in)")
	policyCheckCmd.Flags().StringVar(&policyProfile, "profile", guard.ProfileHost, "Profile: host or container")
}
