package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"

	"github.com/g960059/relaykit/internal/command"
	"github.com/g960059/relaykit/internal/config"
	"github.com/g960059/relaykit/internal/credstore"
	"github.com/g960059/relaykit/internal/doctor"
	"github.com/g960059/relaykit/internal/feature"
	"github.com/g960059/relaykit/internal/logging"
	"github.com/g960059/relaykit/internal/metrics"
	"github.com/g960059/relaykit/internal/remote"
	"github.com/g960059/relaykit/internal/session"
)

const (
	exitOK              = 0
	exitError           = 1
	exitUsage           = 2
	exitUnauthenticated = 3

	defaultProfile = "default"
	maxSecretBytes = 4096
)

type Runner struct {
	client *http.Client
	in     io.Reader
	out    io.Writer
	errOut io.Writer
}

type globals struct {
	configPath string
	stateDir   string
	logLevel   string
	profile    string
	metrics    bool
}

// app is the wiring for one invocation.
type app struct {
	cfg      config.Config
	store    *credstore.SQLite
	session  *session.Manager
	features *feature.Service
	registry *prometheus.Registry
	logger   *slog.Logger
}

func NewRunner(in io.Reader, out, errOut io.Writer) *Runner {
	return NewRunnerWithClient(nil, in, out, errOut)
}

func NewRunnerWithClient(client *http.Client, in io.Reader, out, errOut io.Writer) *Runner {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{client: client, in: in, out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	g, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return exitUsage
	}
	if len(rest) == 0 {
		r.printUsage()
		return exitUsage
	}
	var run func(context.Context, *app, []string) int
	switch rest[0] {
	case "login":
		run = r.runLogin
	case "server-login":
		run = r.runServerLogin
	case "logout":
		run = r.runLogout
	case "status":
		run = r.runStatus
	case "resources":
		run = r.runResources
	case "ls":
		run = r.runList
	case "logs":
		run = r.runLogs
	case "passwd":
		run = r.runPasswd
	case "disconnect":
		run = r.runDisconnect
	case "exec":
		run = r.runExec
	case "doctor":
		return r.runDoctor(ctx, g, rest[1:])
	case "help", "-h", "--help":
		r.printUsage()
		return exitOK
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return exitUsage
	}

	a, err := r.open(ctx, g)
	if err != nil {
		return r.handleErr(err)
	}
	defer a.store.Close() //nolint:errcheck

	code := run(ctx, a, rest[1:])
	if g.metrics {
		if err := metrics.WriteText(r.errOut, a.registry); err != nil {
			a.logger.Warn("write metrics failed", "err", err)
		}
	}
	return code
}

func parseGlobalArgs(args []string) (globals, []string, error) {
	g := globals{profile: defaultProfile}
	rest := make([]string, 0, len(args))
	i := 0
	for ; i < len(args); i++ {
		arg := args[i]
		var target *string
		switch arg {
		case "--config":
			target = &g.configPath
		case "--state-dir":
			target = &g.stateDir
		case "--log-level":
			target = &g.logLevel
		case "--profile":
			target = &g.profile
		case "--metrics":
			g.metrics = true
			continue
		}
		if target == nil {
			break
		}
		if i+1 >= len(args) {
			return globals{}, nil, fmt.Errorf("%s requires value", arg)
		}
		*target = args[i+1]
		i++
	}
	rest = append(rest, args[i:]...)
	if strings.TrimSpace(g.profile) == "" {
		return globals{}, nil, errors.New("--profile must not be empty")
	}
	return g, rest, nil
}

func loadConfig(g globals) (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if g.stateDir != "" {
		cfg.SetStateDir(g.stateDir)
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	return cfg, nil
}

func (r *Runner) open(ctx context.Context, g globals) (*app, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger := logging.New(r.errOut, level, cfg.LogFormat).With(slog.String("profile", g.profile))

	store, err := credstore.Open(ctx, cfg.DBPath, cfg.MasterKeyPath, g.profile, logger)
	if err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	account := remote.NewAccountClient(cfg.AccountURL, r.client).
		WithTimeout(cfg.AccountTimeout).
		WithLogger(logger)
	relay := remote.NewRelayClient(cfg.RelayURL, r.client).
		WithSecondaryHeader(cfg.SecondaryHeader).
		WithNetworkMargin(cfg.NetworkMargin).
		WithRateLimit(cfg.RelayRateLimit, cfg.RelayRateBurst).
		WithLogger(logger)
	mgr := session.NewManager(store, account, relay, session.Options{
		LoginWaitTime:   cfg.LoginWaitTime,
		ExpirySkew:      cfg.ExpirySkew,
		RememberSecrets: cfg.RememberSecrets,
		Logger:          logger,
	})
	exec := command.NewExecutor(mgr, relay, metrics.New(registry, feature.Commands()...), logger)
	svc := feature.NewService(exec, mgr, feature.NewNotifier(), feature.WaitTimes{
		Resources: cfg.ResourcesWaitTime,
		Listing:   cfg.ListingWaitTime,
		Logs:      cfg.LogsWaitTime,
		Settings:  cfg.SettingsWaitTime,
	}, logger)
	return &app{
		cfg:      cfg,
		store:    store,
		session:  mgr,
		features: svc,
		registry: registry,
		logger:   logger,
	}, nil
}

func (r *Runner) runLogin(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	secret := fs.String("secret", "", "account secret (read from stdin when omitted)")
	identity, err := parseWithPositional(fs, args)
	if err != nil || identity == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: relayctl login <identity> [--secret <secret>]")
		return exitUsage
	}
	if *secret == "" {
		if *secret, err = r.readSecret("secret"); err != nil {
			return r.handleErr(err)
		}
	}
	if _, err := a.session.Login(ctx, identity, *secret); err != nil {
		return r.handleErr(err)
	}
	st := a.session.State(ctx)
	_, _ = fmt.Fprintf(r.out, "logged in as %s\n", st.AccountUsername)
	return exitOK
}

func (r *Runner) runServerLogin(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("server-login", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	password := fs.String("password", "", "server password (read from stdin when omitted)")
	username, err := parseWithPositional(fs, args)
	if err != nil || username == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: relayctl server-login <username> [--password <password>]")
		return exitUsage
	}
	if *password == "" {
		if *password, err = r.readSecret("password"); err != nil {
			return r.handleErr(err)
		}
	}
	if _, err := a.session.ServerLogin(ctx, username, *password); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "server login ok (%s)\n", username)
	return exitOK
}

func (r *Runner) runLogout(ctx context.Context, a *app, args []string) int {
	if len(args) > 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: relayctl logout")
		return exitUsage
	}
	if err := a.session.Logout(ctx); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintln(r.out, "logged out")
	return exitOK
}

type statusView struct {
	session.Status
	Installation string   `json:"installation"`
	Keys         []string `json:"keys"`
}

func (r *Runner) runStatus(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return exitUsage
	}
	keys, err := a.store.Keys(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	view := statusView{
		Status:       a.session.State(ctx),
		Installation: a.store.Installation().InstallationID,
		Keys:         keys,
	}
	if *jsonOut {
		return r.writeJSON(view)
	}
	_, _ = fmt.Fprintf(r.out, "installation\t%s\n", view.Installation)
	_, _ = fmt.Fprintf(r.out, "primary\t%s\t%s\n", view.Primary, view.AccountUsername)
	_, _ = fmt.Fprintf(r.out, "secondary\t%s\t%s\n", view.Secondary, view.ServerUsername)
	return exitOK
}

func (r *Runner) runResources(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("resources", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return exitUsage
	}
	res, err := a.features.Resources(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(res)
	}
	_, _ = fmt.Fprintf(r.out, "cpu\t%.1f%%\nmemory\t%.1f%%\ndisk\t%.1f%%\n", res.CPU, res.Memory, res.Disk)
	return exitOK
}

func (r *Runner) runList(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	path, err := parseWithPositional(fs, args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return exitUsage
	}
	files, err := a.features.ListDirectory(ctx, path)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(files)
	}
	for _, f := range files {
		kind := "-"
		if f.IsDir {
			kind = "d"
		}
		_, _ = fmt.Fprintf(r.out, "%s\t%d\t%s\n", kind, f.Size, f.Name)
	}
	return exitOK
}

func (r *Runner) runLogs(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	lines := fs.Int("lines", 100, "number of lines")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return exitUsage
	}
	logs, err := a.features.Logs(ctx, *lines)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.writeJSON(logs)
	}
	for _, l := range logs {
		parts := make([]string, 0, 3)
		for _, p := range []string{l.Time, l.Level, l.Message} {
			if p != "" {
				parts = append(parts, p)
			}
		}
		_, _ = fmt.Fprintln(r.out, strings.Join(parts, " "))
	}
	return exitOK
}

func (r *Runner) runPasswd(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("passwd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	current := fs.String("current", "", "current server password")
	next := fs.String("new", "", "new server password")
	if err := fs.Parse(args); err != nil || *next == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: relayctl passwd --current <password> --new <password>")
		return exitUsage
	}
	if err := a.features.ChangePassword(ctx, *current, *next); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintln(r.out, "password changed")
	return exitOK
}

func (r *Runner) runDisconnect(ctx context.Context, a *app, args []string) int {
	if len(args) > 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: relayctl disconnect")
		return exitUsage
	}
	if err := a.features.Disconnect(ctx); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintln(r.out, "disconnected")
	return exitOK
}

func (r *Runner) runExec(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	method := fs.String("method", http.MethodGet, "HTTP method forwarded to the server")
	wait := fs.Int("wait", a.cfg.DefaultWaitTime, "relay wait time in seconds")
	rawBody := fs.String("body", "", "JSON object body")
	cmd, err := parseWithPositional(fs, args)
	if err != nil || cmd == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: relayctl exec <command> [--method M] [--wait N] [--body JSON]")
		return exitUsage
	}
	var body map[string]any
	if strings.TrimSpace(*rawBody) != "" {
		if err := json.Unmarshal([]byte(*rawBody), &body); err != nil {
			_, _ = fmt.Fprintf(r.errOut, "error: --body must be a JSON object: %v\n", err)
			return exitUsage
		}
	}
	res, err := a.features.Raw(ctx, command.Request{Command: cmd, Method: *method, Body: body, WaitTime: *wait})
	if err != nil {
		if errors.Is(err, command.ErrInvalidRequest) {
			_, _ = fmt.Fprintf(r.errOut, "error: %s\n", feature.DisplayMessage(err))
			return exitUsage
		}
		return r.handleErr(err)
	}
	return r.writeJSON(res)
}

func (r *Runner) runDoctor(ctx context.Context, g globals, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return exitUsage
	}
	cfg, err := loadConfig(g)
	if err != nil {
		return r.handleErr(err)
	}
	res := doctor.Run(ctx, doctor.Options{Config: cfg, Client: r.client})
	if *jsonOut {
		if code := r.writeJSON(res); code != exitOK {
			return code
		}
	} else {
		for _, c := range res.Checks {
			line := fmt.Sprintf("%s\t%s\t%s", c.Status, c.Name, c.Message)
			if c.Path != "" {
				line += "\t" + c.Path
			}
			_, _ = fmt.Fprintln(r.out, line)
		}
	}
	if !res.OK {
		return exitError
	}
	return exitOK
}

// parseWithPositional accepts one positional argument before or after the
// flags.
func parseWithPositional(fs *flag.FlagSet, args []string) (string, error) {
	positional := ""
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		positional = args[0]
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if positional == "" && fs.NArg() > 0 {
		positional = fs.Arg(0)
	}
	return strings.TrimSpace(positional), nil
}

// readSecret reads one line from stdin, without echo when stdin is a terminal.
func (r *Runner) readSecret(name string) (string, error) {
	if f, ok := r.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprintf(r.errOut, "%s: ", name)
		raw, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(r.errOut)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", name, err)
		}
		if len(raw) == 0 {
			return "", fmt.Errorf("%s is required", name)
		}
		return string(raw), nil
	}
	line, err := bufio.NewReader(io.LimitReader(r.in, maxSecretBytes)).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return line, nil
}

func (r *Runner) writeJSON(v any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return r.handleErr(err)
	}
	return exitOK
}

func (r *Runner) handleErr(err error) int {
	if errors.Is(err, command.ErrUnauthenticated) || errors.Is(err, session.ErrMissingCredential) {
		_, _ = fmt.Fprintln(r.errOut, feature.MessageLoginRequired)
		return exitUnauthenticated
	}
	var cmdErr *command.Error
	var authErr *session.AuthError
	if errors.As(err, &cmdErr) || errors.As(err, &authErr) {
		_, _ = fmt.Fprintf(r.errOut, "error: %s\n", feature.DisplayMessage(err))
		return exitError
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return exitError
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: relayctl [--config <path>] [--state-dir <dir>] [--profile <name>] [--log-level <level>] [--metrics] <login|server-login|logout|status|resources|ls|logs|passwd|disconnect|exec|doctor> ...")
}
