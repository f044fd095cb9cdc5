// kvm provisions throwaway debug guests on the local libvirt host. Guests
// are linked clones of a cached Ubuntu cloud image, seeded with cloud-init
// and addressed through the libvirt network's DHCP leases.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jbweber/vmspawn/internal/config"
	"github.com/jbweber/vmspawn/internal/hypervisor"
	"github.com/jbweber/vmspawn/internal/remote"
	"github.com/jbweber/vmspawn/internal/sshkey"
	"github.com/jbweber/vmspawn/internal/state"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var nfe *state.NotFoundError
		if errors.As(err, &nfe) {
			// The guest is already gone; that is the end state we wanted.
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kvm",
	Short: "kvm - throwaway debug guests on local libvirt",
	Long: `kvm creates and destroys short-lived debug guests on the local
libvirt daemon. Each guest is a thin clone of a cached cloud image, booted
with a generated cloud-init seed and reachable as root over SSH once it
holds a DHCP lease.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	createPubkey string
	destroyName  string
	runName      string
)

func init() {
	createCmd.Flags().StringVar(&createPubkey, "ssh-pubkey", "",
		"extra SSH public key file to authorize (also honors SSH_PUBKEY_PATH)")
	destroyCmd.Flags().StringVar(&destroyName, "name", "", "guest name to destroy")
	_ = destroyCmd.MarkFlagRequired("name")
	runCmd.Flags().StringVar(&runName, "name", "", "guest name to run the command on")
	_ = runCmd.MarkFlagRequired("name")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(runCmd)
}

func loadEnv() (string, string, *config.HypervisorSettings, *state.Tracker, error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return "", "", nil, nil, err
	}
	cacheDir, err := config.CacheDir()
	if err != nil {
		return "", "", nil, nil, err
	}
	settings, err := config.LoadHypervisorSettings(dataDir)
	if err != nil {
		return "", "", nil, nil, err
	}
	return dataDir, cacheDir, settings, state.NewTracker(config.StatePath(dataDir)), nil
}

var createCmd = &cobra.Command{
	Use:     "create",
	Aliases: []string{"c"},
	Short:   "Create a debug guest",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, cacheDir, settings, tracker, err := loadEnv()
		if err != nil {
			return err
		}

		pair, err := sshkey.EnsureKeyPair(dataDir)
		if err != nil {
			return err
		}
		extras := []string{createPubkey, os.Getenv("SSH_PUBKEY_PATH")}
		pubkeys, err := sshkey.CollectPublicKeys(pair, extras...)
		if err != nil {
			return err
		}

		vm, err := hypervisor.Create(cmd.Context(), hypervisor.CreateOptions{
			Settings:      *settings,
			CacheDir:      cacheDir,
			SSHPublicKeys: pubkeys,
			Tracker:       tracker,
		})
		if err != nil {
			return err
		}

		fmt.Printf("%s\t%s\n", vm.Name, vm.Address)
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:     "destroy",
	Aliases: []string{"d"},
	Short:   "Destroy a debug guest",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, settings, tracker, err := loadEnv()
		if err != nil {
			return err
		}
		return hypervisor.Destroy(cmd.Context(), hypervisor.DestroyOptions{
			Settings: *settings,
			Name:     destroyName,
			Tracker:  tracker,
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List debug guests",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, _, settings, _, err := loadEnv()
		if err != nil {
			return err
		}
		guests, err := hypervisor.List(cmd.Context(), *settings)
		if err != nil {
			return err
		}
		if len(guests) == 0 {
			fmt.Println("No debug guests")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTATE\tADDRESS")
		for _, g := range guests {
			fmt.Fprintf(w, "%s\t%s\t%s\n", g.Name, g.State, g.Address)
		}
		return w.Flush()
	},
}

var runCmd = &cobra.Command{
	Use:   "run --name <guest> -- <command>...",
	Short: "Run a command on a debug guest over SSH",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _, _, tracker, err := loadEnv()
		if err != nil {
			return err
		}

		vm, err := tracker.Get(runName, state.BackendHypervisor)
		if err != nil {
			// A missing guest is fatal here, unlike on destroy.
			return fmt.Errorf("guest %q is not tracked; create it first", runName)
		}
		if vm.Address == "" {
			return fmt.Errorf("guest %q has no tracked address", runName)
		}

		pair, err := sshkey.EnsureKeyPair(dataDir)
		if err != nil {
			return err
		}

		runner := remote.NewRunner(vm.Address, pair.PrivatePath)
		result, err := runner.Run(cmd.Context(), strings.Join(args, " "))
		fmt.Print(result.Stdout)
		fmt.Fprint(os.Stderr, result.Stderr)
		if err != nil {
			if result.ExitCode != 0 {
				// Propagate the remote exit status.
				os.Exit(result.ExitCode)
			}
			return err
		}
		return nil
	},
}
