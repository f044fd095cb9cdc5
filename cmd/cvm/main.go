// cvm provisions throwaway debug VMs on Hetzner Cloud through an external
// OpenTofu engine. The API token comes from the environment and is handed
// only to the engine subprocess.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jbweber/vmspawn/internal/cloud"
	"github.com/jbweber/vmspawn/internal/config"
	"github.com/jbweber/vmspawn/internal/machine"
	"github.com/jbweber/vmspawn/internal/sshkey"
	"github.com/jbweber/vmspawn/internal/state"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var specErr *machine.InvalidSpecError
		if errors.As(err, &specErr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			fmt.Fprintln(os.Stderr, "Machine specs look like \"milo|x86_64\" or \"milo|aarch64|debian-12\".")
			os.Exit(1)
		}
		var nfe *state.NotFoundError
		if errors.As(err, &nfe) {
			// The desired end state already holds.
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cvm",
	Short: "cvm - throwaway debug VMs on Hetzner Cloud",
	Long: `cvm creates and destroys short-lived debug VMs on Hetzner Cloud.

Machines are described as "<name>|<arch>[|<os-image>]" specs and applied
through an OpenTofu module. The Hetzner API token is read from HCLOUD_TOKEN
or TF_VAR_hcloud_token and never stored.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	createMachines []string
	createLocation string
	createPubkey   string
	destroyForce   bool
)

func init() {
	createCmd.Flags().StringArrayVarP(&createMachines, "machine", "m", nil,
		"machine spec \"<name>|<arch>[|<os-image>]\"; repeatable")
	createCmd.Flags().StringVar(&createLocation, "location", machine.DefaultLocation,
		"Hetzner location for all machines in this run")
	createCmd.Flags().StringVar(&createPubkey, "ssh-pubkey", "",
		"extra SSH public key file to authorize (also honors SSH_PUBKEY_PATH)")
	destroyCmd.Flags().BoolVar(&destroyForce, "force", false,
		"clear local state even if the engine destroy fails")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(metaCmd)
	rootCmd.AddCommand(sshCmd)
}

// newAdapter wires the cloud adapter from the environment. The token is
// resolved once and passed only to the engine subprocess and the Hetzner
// API client.
func newAdapter(needToken bool) (*cloud.Adapter, string, error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return nil, "", err
	}

	token := ""
	if needToken {
		token, err = cloud.ResolveToken()
		if err != nil {
			return nil, "", err
		}
	}

	workDir := filepath.Join(dataDir, "terraform")
	adapter := &cloud.Adapter{
		WorkDir: workDir,
		Engine:  cloud.NewTofuEngine(workDir, token),
		Tracker: state.NewTracker(config.StatePath(dataDir)),
	}
	if token != "" {
		adapter.ListServerNames = func(ctx context.Context) ([]string, error) {
			return cloud.ServerNames(ctx, token)
		}
	}
	return adapter, dataDir, nil
}

// collectKeys gathers the generated keypair plus any extra public keys
// from the --ssh-pubkey flag and the SSH_PUBKEY_PATH env var.
func collectKeys(dataDir string) ([]string, error) {
	pair, err := sshkey.EnsureKeyPair(dataDir)
	if err != nil {
		return nil, err
	}

	extras := []string{}
	if createPubkey != "" {
		extras = append(extras, createPubkey)
	}
	if envPath := os.Getenv("SSH_PUBKEY_PATH"); envPath != "" {
		extras = append(extras, envPath)
	}
	return sshkey.CollectPublicKeys(pair, extras...)
}

var createCmd = &cobra.Command{
	Use:     "create",
	Aliases: []string{"c"},
	Short:   "Create cloud VMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(createMachines) == 0 {
			return fmt.Errorf("no machines specified; add -m \"<name>|<arch>[|<os-image>]\"")
		}
		if err := machine.ValidateLocation(createLocation); err != nil {
			return err
		}

		specs := make([]machine.Spec, 0, len(createMachines))
		for _, raw := range createMachines {
			spec, err := machine.ParseSpec(raw)
			if err != nil {
				return err
			}
			spec.Location = createLocation
			specs = append(specs, spec)
		}

		adapter, dataDir, err := newAdapter(true)
		if err != nil {
			return err
		}
		pubkeys, err := collectKeys(dataDir)
		if err != nil {
			return err
		}

		vms, err := adapter.Create(cmd.Context(), specs, pubkeys)
		if err != nil {
			return err
		}
		for _, vm := range vms {
			fmt.Printf("%s\t%s\n", vm.Name, vm.Address)
		}
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:     "destroy",
	Aliases: []string{"d"},
	Short:   "Destroy all cloud VMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		adapter, _, err := newAdapter(true)
		if err != nil {
			return err
		}
		removed, err := adapter.Destroy(cmd.Context(), destroyForce)
		if err != nil {
			return err
		}
		fmt.Printf("Destroyed %d VM(s)\n", removed)
		return nil
	},
}

var metaCmd = &cobra.Command{
	Use:     "meta",
	Aliases: []string{"m"},
	Short:   "Show metadata for provisioned cloud VMs",
	RunE: func(cmd *cobra.Command, args []string) error {
		adapter, _, err := newAdapter(false)
		if err != nil {
			return err
		}
		machines, err := adapter.Metadata(cmd.Context())
		if err != nil {
			return err
		}
		if len(machines) == 0 {
			fmt.Println("No cloud VMs provisioned")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tLOCATION\tTYPE\tIMAGE\tARCH\tIPV4")
		for _, m := range machines {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				m.Name, m.Location, m.ServerType, m.OSImage, m.Arch, m.IPv4)
		}
		return w.Flush()
	},
}

var sshCmd = &cobra.Command{
	Use:     "ssh <name>",
	Aliases: []string{"s"},
	Short:   "SSH into a provisioned cloud VM",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]

		adapter, dataDir, err := newAdapter(false)
		if err != nil {
			return err
		}
		machines, err := adapter.Metadata(cmd.Context())
		if err != nil {
			return err
		}

		var target *cloud.Machine
		for i := range machines {
			if machines[i].Name == name {
				target = &machines[i]
				break
			}
		}
		if target == nil {
			return fmt.Errorf("no provisioned VM named %q", name)
		}

		pair, err := sshkey.EnsureKeyPair(dataDir)
		if err != nil {
			return err
		}

		// Throwaway VMs get fresh host keys every time; pinning them would
		// only produce mismatch prompts.
		ssh := exec.Command("ssh",
			"-i", pair.PrivatePath,
			"-o", "StrictHostKeyChecking=no",
			"-o", "UserKnownHostsFile=/dev/null",
			"root@"+target.IPv4,
		)
		ssh.Stdin = os.Stdin
		ssh.Stdout = os.Stdout
		ssh.Stderr = os.Stderr
		return ssh.Run()
	},
}
