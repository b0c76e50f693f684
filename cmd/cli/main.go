// Command copydeck is a CLI client for the copydeck service.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	Username    string    `json:"username"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "copydeck")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "copydeck")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tf tokenFile) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tf)
}

var errNoSession = errors.New("no valid token (login required)")

func loadToken() (tokenFile, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return tokenFile{}, errNoSession
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return tokenFile{}, err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return tokenFile{}, errNoSession
	}
	return tf, nil
}

func removeToken() error {
	if err := os.Remove(tokenPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, insecureSkip bool) (credentials.TransportCredentials, error) {
	if insecureSkip {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

// connOpts are the global connection flags.
type connOpts struct {
	addr      string
	caPath    string
	insecure  bool
	plaintext bool
}

func dial(o connOpts, bearer string) (*grpc.ClientConn, error) {
	var opts []grpc.DialOption
	if o.plaintext {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		creds, err := loadTLS(o.caPath, o.insecure)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !o.plaintext}))
	}
	return grpc.NewClient(o.addr, opts...)
}

// dialFn is replaced in tests.
var dialFn = dial

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

const usageText = `copydeck CLI
Usage:
  copydeck [-addr HOST:PORT] [-cacert file | -insecure | -plaintext] [-anon] <cmd> [args]

Commands:
  version
  register   -u <username> -p <password>
  login      -u <username> -p <password>            (saves token)
  logout
  save       -label <text> [-state <file|->]        (snapshot live data or a JSON state file)
  list       [-limit N]
  search     [-q <text>] [-page N] [-size N]
  load       -key <key> [-scope both|titles|contents]
  rm         -key <key>
  overview
  export     -c titles|contents [-f csv|json]
  dedup      -c titles|contents
  normalize  -c titles|contents
  categories copy -from <coll> -to <coll> | reset
`

var errUsage = errors.New("usage")

var (
	version   = "dev"
	buildDate = "unknown"
)

// main dispatches subcommands and configures TLS/auth for RPC calls.
func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usageText)
			os.Exit(2)
		}
		fail(err)
	}
}

func fail(err error) {
	if st, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "error: %s: %s\n", st.Code(), st.Message())
	} else {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(1)
}

func run(args []string, out io.Writer) error {
	// global flags
	gfs := flag.NewFlagSet("copydeck", flag.ContinueOnError)
	gfs.SetOutput(io.Discard)
	var o connOpts
	gfs.StringVar(&o.addr, "addr", "localhost:8443", "server addr")
	gfs.StringVar(&o.caPath, "cacert", "", "CA cert (PEM)")
	gfs.BoolVar(&o.insecure, "insecure", false, "skip cert verify (dev)")
	gfs.BoolVar(&o.plaintext, "plaintext", false, "no TLS (local server)")
	anon := gfs.Bool("anon", false, "call without a token (server must allow anonymous mode)")
	if err := gfs.Parse(args); err != nil || gfs.NArg() < 1 {
		return errUsage
	}
	cmd, rest := gfs.Arg(0), gfs.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "version":
		fmt.Fprintf(out, "copydeck %s (%s)\n", version, buildDate)
		return nil
	case "logout":
		return removeToken()
	case "register", "login":
		c, err := connect(o, "")
		if err != nil {
			return err
		}
		defer c.Close()
		return c.authCmd(ctx, cmd, rest, out)
	}

	h, ok := commands[cmd]
	if !ok {
		return errUsage
	}
	bearer := ""
	if !*anon {
		tf, err := loadToken()
		if err != nil {
			return err
		}
		bearer = tf.AccessToken
	}
	c, err := connect(o, bearer)
	if err != nil {
		return err
	}
	defer c.Close()
	return h(ctx, c, rest, out)
}
