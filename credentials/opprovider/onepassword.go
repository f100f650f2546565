// Package opprovider resolves credential template references with the
// 1Password CLI, so Orthanc and store secrets never sit in the template.
package opprovider

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/jmgilman/go/errors"
	"github.com/wolfeidau/ohif-cache/credentials"
)

// DefaultCLI is the 1Password CLI looked up on PATH.
const DefaultCLI = "op"

const refScheme = "op://"

// WithOnePassword registers the "op" template function, for example
// {{ op "op://infra/orthanc/password" | json }}. Each reference is read with
// `<cli> read <ref>`; an empty cli means DefaultCLI.
func WithOnePassword(cli string) credentials.ResolverOption {
	if cli == "" {
		cli = DefaultCLI
	}
	return credentials.WithProvider("op", func(ctx context.Context, ref string) (string, error) {
		if !strings.HasPrefix(ref, refScheme) {
			return "", errors.Newf(errors.CodeInvalidConfig, "1password reference %q must start with %s", ref, refScheme)
		}

		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, cli, "read", "--no-newline", ref)
		cmd.Stdout, cmd.Stderr = &stdout, &stderr

		if err := cmd.Run(); err != nil {
			return "", errors.Wrapf(err, errors.CodeUnauthorized, "reading %s: %s", ref, strings.TrimSpace(stderr.String()))
		}
		return strings.TrimSpace(stdout.String()), nil
	})
}
