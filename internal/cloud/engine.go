// Package cloud provisions VMs on Hetzner Cloud by driving an external
// OpenTofu module: it renders the server variables, runs the engine, and
// reads the resulting machine metadata back from the engine's outputs.
package cloud

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Engine runs the infrastructure-as-code tool against one working
// directory. Implementations must be safe to call sequentially; there is
// no concurrent use.
type Engine interface {
	Init(ctx context.Context) error
	Apply(ctx context.Context) error
	Destroy(ctx context.Context) error
	// Output returns the engine's outputs as raw JSON.
	Output(ctx context.Context) ([]byte, error)
}

// tofuEngine shells out to the tofu binary. The API token travels only in
// the subprocess environment; it is never logged or written to disk.
type tofuEngine struct {
	workDir string
	token   string
	binary  string
}

// NewTofuEngine returns an Engine driving tofu in workDir. token may be
// empty when the environment already carries TF_VAR_hcloud_token.
func NewTofuEngine(workDir, token string) Engine {
	return &tofuEngine{
		workDir: workDir,
		token:   token,
		binary:  "tofu",
	}
}

func (e *tofuEngine) command(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"-chdir=" + e.workDir}, args...)
	cmd := exec.CommandContext(ctx, e.binary, full...)
	cmd.Env = os.Environ()
	if e.token != "" {
		cmd.Env = append(cmd.Env, "TF_VAR_hcloud_token="+e.token)
	}
	return cmd
}

// run streams engine output to the terminal so the operator sees apply
// progress live, while keeping stderr for error reporting.
func (e *tofuEngine) run(ctx context.Context, args ...string) error {
	var stderr bytes.Buffer
	cmd := e.command(ctx, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = io.MultiWriter(os.Stderr, &stderr)

	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

func (e *tofuEngine) Init(ctx context.Context) error {
	if err := e.run(ctx, "init"); err != nil {
		return &ProvisionError{Op: "init", Err: err}
	}
	return nil
}

func (e *tofuEngine) Apply(ctx context.Context) error {
	if err := e.run(ctx, "apply", "-auto-approve"); err != nil {
		return &ProvisionError{Op: "apply", Err: err}
	}
	return nil
}

func (e *tofuEngine) Destroy(ctx context.Context) error {
	if err := e.run(ctx, "destroy", "-auto-approve"); err != nil {
		return &ProvisionError{Op: "destroy", Err: err}
	}
	return nil
}

func (e *tofuEngine) Output(ctx context.Context) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := e.command(ctx, "output", "--json")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := bytes.TrimSpace(stderr.Bytes())
		if len(msg) > 0 {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return nil, &ProvisionError{Op: "output", Err: err}
	}
	return stdout.Bytes(), nil
}
