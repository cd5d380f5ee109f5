package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matrixci/matrixci/internal"
	"github.com/matrixci/matrixci/internal/declaration"
	"github.com/matrixci/matrixci/internal/job"
	"github.com/matrixci/matrixci/internal/matrix"
	"github.com/matrixci/matrixci/internal/schedule"
	"github.com/matrixci/matrixci/internal/security"
	"github.com/matrixci/matrixci/internal/settings"
	"github.com/matrixci/matrixci/internal/types"
	"golang.org/x/term"
)

// Exit codes mirror the run outcome so shell scripts and git hooks can
// branch on them.
const (
	exitOK        = 0
	exitFailed    = 1
	exitConfig    = 2
	exitErrored   = 3
	exitCancelled = 4
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}

	settings.ReadDotenv(internal.DotEnvPath)
	settings.Settings = settings.NewSettings()

	switch os.Args[1] {
	case "validate":
		os.Exit(runValidate(os.Args[2:]))
	case "run":
		os.Exit(runPipeline(os.Args[2:]))
	case "encrypt":
		os.Exit(runEncrypt(os.Args[2:]))
	default:
		usage()
		os.Exit(exitConfig)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: matrixci <command> [flags]

commands:
  validate   parse a declaration and print the expanded job matrix
  run        execute a declaration locally
  encrypt    encrypt a secret for use as a 'secure:' value`)
}

func parseDeclaration(file string) (*declaration.Declaration, int) {
	data, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return nil, exitConfig
	}
	decl, err := declaration.Parse(data)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return nil, exitConfig
	}
	return decl, exitOK
}

func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	file := fs.String("f", ".matrixci.yml", "declaration file")
	fs.Parse(args)

	decl, code := parseDeclaration(*file)
	if code != exitOK {
		return code
	}

	scheme := security.Scheme(settings.Settings.SecretScheme)
	defs, err := matrix.Expand(decl, scheme)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitConfig
	}

	fmt.Printf("%s: ok, %d jobs in %d stages\n", *file, len(defs), len(decl.Stages))
	for _, def := range defs {
		fmt.Printf("  [%s] %s\n", def.Stage, def.Name)
	}
	return exitOK
}

func runPipeline(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	file := fs.String("f", ".matrixci.yml", "declaration file")
	branch := fs.String("branch", "main", "branch the run is for")
	event := fs.String("event", "api", "trigger event type")
	tag := fs.String("tag", "", "tag the run is for, if any")
	timeout := fs.Duration("timeout", 0, "per-job wall clock budget, 0 disables")
	fs.Parse(args)

	decl, code := parseDeclaration(*file)
	if code != exitOK {
		return code
	}

	keychain, err := security.NewKeychain(
		[]byte(settings.Settings.SecretKey),
		settings.Settings.AgeKey,
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitConfig
	}

	env := make(map[string]string, len(decl.Env.Global))
	for _, ev := range decl.Env.Global {
		env[ev.Name] = ev.Value
	}
	bctx := types.NewBuildContext(
		*branch, types.EventType(*event), settings.Settings.Repo, *tag, env,
	)

	deployers := map[string]job.Deployer{
		"script": job.ScriptDeployer{},
		"pypi":   job.PyPIDeployer{},
	}
	executor := job.NewExecutor(
		keychain,
		security.NewRedactor(),
		deployers,
		*timeout,
	)
	factory := func(def *job.Definition) (job.StepRunner, error) {
		return job.NewLocalRunner(settings.Settings.CacheRoot, decl.Cache.Directories), nil
	}
	engine := schedule.NewPipeline(
		schedule.NewEngineRunner(executor, factory),
		security.Scheme(settings.Settings.SecretScheme),
	)
	providers := make([]string, 0, len(deployers))
	for name := range deployers {
		providers = append(providers, name)
	}
	engine.RestrictProviders(providers...)
	sinks := func(def *job.Definition) io.Writer {
		return &prefixWriter{prefix: "[" + def.Name + "] ", w: os.Stdout}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "cancelling, waiting for the current command to finish...")
		cancel()
	}()

	started := time.Now()
	rr, err := engine.Run(ctx, decl, bctx, sinks)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitConfig
	}

	if rr.Filtered {
		fmt.Printf("branch %q is not in branches.only, nothing to run\n", *branch)
		return exitOK
	}

	printSummary(rr, time.Since(started))

	switch {
	case rr.Cancelled():
		return exitCancelled
	case rr.Status == schedule.StatusSucceeded:
		return exitOK
	default:
		for _, jr := range rr.Jobs {
			if jr.Status == job.StatusErrored {
				return exitErrored
			}
		}
		return exitFailed
	}
}

func printSummary(rr *schedule.RunResult, elapsed time.Duration) {
	fmt.Printf("\nrun %s in %s\n", rr.Status, elapsed.Round(time.Millisecond))
	for _, jr := range rr.Jobs {
		line := fmt.Sprintf("  %-10s [%s] %s", jr.Status, jr.Stage, jr.Name)
		if jr.Status == job.StatusFailed && jr.FailingCommand != "" {
			line += fmt.Sprintf(" (%q exited %d)", jr.FailingCommand, jr.ExitCode)
		}
		if jr.DeploySkipped {
			line += fmt.Sprintf(" (deploy skipped: %s)", jr.DeploySkipReason)
		}
		fmt.Println(line)
	}
}

func runEncrypt(args []string) int {
	fs := flag.NewFlagSet("encrypt", flag.ExitOnError)
	scheme := fs.String("scheme", settings.Settings.SecretScheme, "encryption scheme: aes or age")
	recipient := fs.String("recipient", "", "age recipient public key")
	fs.Parse(args)

	fmt.Fprint(os.Stderr, "secret: ")
	plaintext, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitErrored
	}

	switch security.Scheme(*scheme) {
	case security.SchemeAES:
		key := settings.Settings.SecretKey
		if key == "" {
			fmt.Fprintln(os.Stderr, "error: MATRIXCI_SECRET_KEY is not set")
			return exitConfig
		}
		ciphertext, err := security.NewAESEncrypter([]byte(key)).EncryptAES(string(plaintext))
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitErrored
		}
		fmt.Printf("secure: %s\n", ciphertext)
	case security.SchemeAge:
		pub := *recipient
		if pub == "" {
			id, err := security.NewAgeIdentity(settings.Settings.AgeKey)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error: no -recipient and MATRIXCI_AGE_KEY is not usable")
				return exitConfig
			}
			pub = id.Recipient()
		}
		ciphertext, err := security.EncryptAge(pub, string(plaintext))
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return exitErrored
		}
		fmt.Printf("secure: %s\n", ciphertext)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown scheme %q\n", *scheme)
		return exitConfig
	}
	return exitOK
}

// prefixWriter labels each output line with its job so parallel matrix
// jobs stay readable on one terminal.
type prefixWriter struct {
	prefix  string
	w       io.Writer
	midline bool
}

func (pw *prefixWriter) Write(p []byte) (int, error) {
	rest := p
	for len(rest) > 0 {
		if !pw.midline {
			if _, err := io.WriteString(pw.w, pw.prefix); err != nil {
				return len(p) - len(rest), err
			}
			pw.midline = true
		}
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			if _, err := pw.w.Write(rest); err != nil {
				return len(p) - len(rest), err
			}
			rest = nil
			break
		}
		if _, err := pw.w.Write(rest[:i+1]); err != nil {
			return len(p) - len(rest), err
		}
		pw.midline = false
		rest = rest[i+1:]
	}
	return len(p), nil
}
