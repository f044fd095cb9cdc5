package cloud

import (
	"context"
	"fmt"
	"os"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
)

// ResolveToken finds the Hetzner Cloud API token in the environment.
// HCLOUD_TOKEN wins; TF_VAR_hcloud_token is accepted for compatibility
// with the engine's own variable convention. The token is never logged.
func ResolveToken() (string, error) {
	if token := os.Getenv("HCLOUD_TOKEN"); token != "" {
		return token, nil
	}
	if token := os.Getenv("TF_VAR_hcloud_token"); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("no Hetzner Cloud API token found; set HCLOUD_TOKEN or TF_VAR_hcloud_token")
}

// ServerNames lists the names of all servers in the project, paging
// through the API. Used to steer new server names away from collisions.
func ServerNames(ctx context.Context, token string, opts ...hcloud.ClientOption) ([]string, error) {
	opts = append([]hcloud.ClientOption{hcloud.WithToken(token)}, opts...)
	client := hcloud.NewClient(opts...)

	servers, err := client.Server.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	names := make([]string, 0, len(servers))
	for _, server := range servers {
		names = append(names, server.Name)
	}
	return names, nil
}
