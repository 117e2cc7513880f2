// Package access decides which clients may open a session and under which
// token their results are stored.
package access

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"pkt.systems/dataserver/internal/svcfields"
	"pkt.systems/pslog"
)

var (
	// ErrInvalidToken is matched by errors for tokens that are malformed,
	// already used or not tied to a running evaluation.
	ErrInvalidToken = errors.New("access: invalid access token")
	// ErrInvalidClient is matched by errors for clients outside the allowed
	// network.
	ErrInvalidClient = errors.New("access: invalid client")
)

// Request carries what the server knows about a client at handshake time.
type Request struct {
	Token  string
	Remote net.Addr
}

// Gate authorizes session requests.
type Gate interface {
	Check(ctx context.Context, req Request) error
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, req Request) error

// Check calls f.
func (f GateFunc) Check(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// AllowAll admits any client whose token can name an output file.
type AllowAll struct{}

// Check implements Gate.
func (AllowAll) Check(_ context.Context, req Request) error {
	return ValidateTokenName(req.Token)
}

// ValidateTokenName rejects tokens that cannot be used as a file name.
func ValidateTokenName(token string) error {
	switch {
	case token == "":
		return fmt.Errorf("%w: empty", ErrInvalidToken)
	case token == "." || token == "..":
		return fmt.Errorf("%w: %q", ErrInvalidToken, token)
	case strings.ContainsAny(token, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidToken, token)
	}
	return nil
}

// Default TIRA layout.
const (
	DefaultClientIPPrefix = "141.54"
	vmStateDir            = "state/virtual-machines"
	sandboxedSuffix       = ".sandboxed"
	runFilePattern        = "data/runs/%s/%s/%s/run.prototext"
)

// TiraConfig configures production access checks against a TIRA evaluation
// tree.
type TiraConfig struct {
	// Root is the TIRA installation directory.
	Root string
	// Dataset names the evaluation dataset runs are filed under.
	Dataset string
	// ClientIPPrefix is the required textual prefix of the client address.
	ClientIPPrefix string
	// OutputDir holds result files; a token with an existing result is spent.
	OutputDir string
}

// Tira admits clients from the evaluation network whose token belongs to a
// sandboxed run that is currently in progress.
type Tira struct {
	cfg    TiraConfig
	logger pslog.Logger
}

// NewTira constructs a production gate.
func NewTira(cfg TiraConfig, logger pslog.Logger) (*Tira, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, errors.New("access: tira root required")
	}
	if strings.TrimSpace(cfg.Dataset) == "" {
		return nil, errors.New("access: tira dataset required")
	}
	if cfg.ClientIPPrefix == "" {
		cfg.ClientIPPrefix = DefaultClientIPPrefix
	}
	return &Tira{cfg: cfg, logger: svcfields.WithSubsystem(logger, "server.access.tira")}, nil
}

// Check implements Gate.
func (t *Tira) Check(ctx context.Context, req Request) error {
	if err := t.checkClient(req.Remote); err != nil {
		return err
	}
	if err := ValidateUUIDToken(req.Token); err != nil {
		return err
	}
	if t.cfg.OutputDir != "" {
		_, err := os.Stat(filepath.Join(t.cfg.OutputDir, req.Token+".csv"))
		if err == nil {
			return fmt.Errorf("%w: results already recorded for %s", ErrInvalidToken, req.Token)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("access: stat output: %w", err)
		}
	}
	ok, err := t.runInProgress(ctx, req.Token)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no run in progress for %s", ErrInvalidToken, req.Token)
	}
	return nil
}

func (t *Tira) checkClient(remote net.Addr) error {
	host := ""
	if remote != nil {
		host = remote.String()
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	}
	if !strings.HasPrefix(host, t.cfg.ClientIPPrefix) {
		return fmt.Errorf("%w: %s", ErrInvalidClient, host)
	}
	return nil
}

// ValidateUUIDToken accepts lower-case RFC 4122 UUIDs of versions 1 to 5.
func ValidateUUIDToken(token string) error {
	if len(token) != 36 || strings.ToLower(token) != token {
		return fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	id, err := uuid.Parse(token)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	if v := id.Version(); v < 1 || v > 5 || id.Variant() != uuid.RFC4122 {
		return fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	return nil
}

// runInProgress scans the sandboxed VM state files. Each is named
// "<x><user>-..." and its first line is "<key>=<run id>"; the run's
// prototext must mention the token.
func (t *Tira) runInProgress(ctx context.Context, token string) (bool, error) {
	dir := filepath.Join(t.cfg.Root, vmStateDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("access: read vm states: %w", err)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, sandboxedSuffix) {
			continue
		}
		user, runID, ok := t.readState(filepath.Join(dir, name))
		if !ok {
			continue
		}
		path := filepath.Join(t.cfg.Root, fmt.Sprintf(runFilePattern, t.cfg.Dataset, user, runID))
		contents, err := os.ReadFile(path)
		if err != nil {
			t.logger.Debug("access.tira.run_unreadable", "path", path, "error", err)
			continue
		}
		if strings.Contains(string(contents), token) {
			return true, nil
		}
	}
	return false, nil
}

func (t *Tira) readState(path string) (user, runID string, ok bool) {
	name := filepath.Base(path)
	dash := strings.IndexByte(name, '-')
	if dash < 2 {
		return "", "", false
	}
	user = name[1:dash]
	f, err := os.Open(path)
	if err != nil {
		t.logger.Debug("access.tira.state_unreadable", "path", path, "error", err)
		return "", "", false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", "", false
	}
	_, value, found := strings.Cut(scanner.Text(), "=")
	runID = strings.TrimSpace(value)
	if !found || runID == "" || strings.ContainsAny(runID, `/\`) {
		return "", "", false
	}
	return user, runID, true
}
