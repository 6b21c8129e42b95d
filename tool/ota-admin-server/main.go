// Command ota-admin-server is the SCP81 remote-administration test
// server: it terminates PSK-TLS connections from UICC/eUICC test cards
// and drives loaded scripts against them over the admin HTTP-POST loop.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	ota "github.com/cardlink/ota-admin-server"
	"github.com/cardlink/ota-admin-server/lib/admin"
	"github.com/cardlink/ota-admin-server/lib/config"
	"github.com/cardlink/ota-admin-server/lib/events"
	"github.com/cardlink/ota-admin-server/lib/keystore"
	"github.com/cardlink/ota-admin-server/lib/psktls"
	"github.com/cardlink/ota-admin-server/lib/ratelimit"
	"github.com/cardlink/ota-admin-server/lib/runner"
	"github.com/cardlink/ota-admin-server/lib/scripts"
	"github.com/cardlink/ota-admin-server/lib/session"
	"github.com/cardlink/ota-admin-server/lib/utils"
)

func main() {
	utils.InitLogger(utils.LoggingForCLI, logrus.InfoLevel)
	if err := run(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}
}

func run(args []string) error {
	app := utils.InitCLIParser(ota.AppName, ota.AppHelp)

	startCmd := app.Command("start", "Run the admin server.")
	configPath := startCmd.Flag("config", "Path to the process configuration YAML file.").Short('c').Required().String()
	scriptID := startCmd.Flag("script", "ID of the loaded script every accepted session runs.").Required().String()

	keysCmd := app.Command("keys", "Inspect the PSK key store.")
	keysListCmd := keysCmd.Command("list", "List configured PSK identities.")
	keysListFile := keysListCmd.Flag("key-file", "Path to the YAML PSK key file.").Required().String()
	keysReloadCmd := keysCmd.Command("reload", "Reload the key file and report the resulting identity count.")
	keysReloadFile := keysReloadCmd.Flag("key-file", "Path to the YAML PSK key file.").Required().String()

	scriptsCmd := app.Command("scripts", "Work with Script/Template documents.")
	scriptsValidateCmd := scriptsCmd.Command("validate", "Validate every script/template in a file.")
	scriptsValidatePath := scriptsValidateCmd.Arg("path", "Path to a scripts YAML file.").Required().String()
	scriptsRenderCmd := scriptsCmd.Command("render", "Render a template with bound parameters and print the result.")
	scriptsRenderPath := scriptsRenderCmd.Flag("file", "Path to a templates YAML file.").Required().String()
	scriptsRenderTemplate := scriptsRenderCmd.Flag("template", "ID of the template to render.").Required().String()
	scriptsRenderBindings := scriptsRenderCmd.Flag("bind", "NAME=VALUE parameter binding (repeatable).").Strings()

	selected, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	switch selected {
	case startCmd.FullCommand():
		return runStart(*configPath, *scriptID)
	case keysListCmd.FullCommand():
		return runKeysList(*keysListFile)
	case keysReloadCmd.FullCommand():
		return runKeysReload(*keysReloadFile)
	case scriptsValidateCmd.FullCommand():
		return runScriptsValidate(*scriptsValidatePath)
	case scriptsRenderCmd.FullCommand():
		return runScriptsRender(*scriptsRenderPath, *scriptsRenderTemplate, *scriptsRenderBindings)
	}
	return trace.BadParameter("unrecognized command %q", selected)
}

func runStart(configPath, scriptID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return trace.Wrap(err)
	}
	logrus.SetLevel(cfg.ParseLogLevel())

	policy, err := cfg.ResolveCipherSuites()
	if err != nil {
		return trace.Wrap(err)
	}

	keys, err := keystore.NewFileStore(cfg.KeyFile, logrus.WithField(trace.Component, ota.ComponentKeyStore))
	if err != nil {
		return trace.Wrap(err)
	}

	loaded, err := loadScriptByID(cfg.ScriptDir, scriptID)
	if err != nil {
		return trace.Wrap(err)
	}

	bus := events.NewBus()
	store, err := session.NewStore(session.StoreConfig{
		Bus:           bus,
		IdleTimeout:   cfg.SessionIdleTimeout,
		SweepInterval: cfg.SessionSweepInterval,
		MaxAge:        cfg.SessionMaxAge,
		Logger:        logrus.WithField(trace.Component, ota.ComponentSessionStore),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer store.Stop()
	go store.RunSweep()

	mismatches := ratelimit.NewMismatchTracker(nil, cfg.MismatchWindow, cfg.MismatchThreshold)
	errorRates := ratelimit.NewErrorRateEngine(nil, cfg.ErrorRateWindow, cfg.ErrorRateThreshold)
	subscribeErrorRateEscalation(bus, errorRates)

	correlator := events.NewCorrelator(bus, store, nil, 5*time.Minute)
	_ = correlator // started lazily by external BIP producers via Ingest; no periodic owner needed until one connects

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return trace.Wrap(err)
	}

	srv, err := admin.NewServer(admin.Config{
		Listener: ln,
		TLS: psktls.Config{
			Policy:           policy,
			Keys:             keys,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Logger:           logrus.WithField(trace.Component, ota.ComponentPSKTLS),
		},
		Sessions:           store,
		Bus:                bus,
		Mismatches:         mismatches,
		AdminPath:          cfg.AdminPath,
		RequestReadTimeout: cfg.RequestReadTimeout,
		NewDispenser: func(sessionID string) (admin.Dispenser, error) {
			return runner.New(loaded, runner.Config{Bus: bus})
		},
		Logger: logrus.WithField(trace.Component, ota.ComponentAdmin),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	go func() {
		if err := srv.Serve(); err != nil {
			logrus.WithError(err).Info("Admin server stopped accepting connections.")
		}
	}()

	waitForShutdownSignal()
	err = srv.Close()
	deadline := time.Now().Add(cfg.ShutdownDrainTimeout)
	for len(store.ActiveSessions()) > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	return trace.Wrap(err)
}

func waitForShutdownSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}

// subscribeErrorRateEscalation feeds SecurityEvent publications into the
// per-kind error-rate windows and escalates a HighErrorRate event once a
// window's threshold is crossed.
func subscribeErrorRateEscalation(bus *events.Bus, engine *ratelimit.ErrorRateEngine) {
	kindForType := map[string]string{
		events.SecurityPskMismatch:     ratelimit.KindPskMismatch,
		events.SecurityHandshakeFailed: ratelimit.KindHandshakeFailed,
	}
	bus.Subscribe(events.KindSecurity, func(evt events.Event) {
		kind, ok := kindForType[evt.Type]
		if !ok {
			return
		}
		if engine.RecordError(kind) {
			bus.Publish(events.Event{
				Kind:      events.KindSecurity,
				Type:      events.SecurityHighErrorRate,
				Timestamp: evt.Timestamp,
				Payload:   events.HighErrorRatePayload{Kind: kind},
			})
		}
	})
}

func loadScriptByID(dir, id string) (scripts.Script, error) {
	summary, err := scripts.LoadDirectory(dir, true, scripts.LoadOptions{SkipInvalid: false})
	if err != nil {
		return scripts.Script{}, trace.Wrap(err)
	}
	for _, s := range summary.Scripts {
		if s.ID == id {
			return s, nil
		}
	}
	return scripts.Script{}, trace.NotFound("no script with id %q in %v", id, dir)
}

func runKeysList(keyFile string) error {
	store, err := keystore.NewFileStore(keyFile, logrus.WithField(trace.Component, ota.ComponentKeyStore))
	if err != nil {
		return trace.Wrap(err)
	}
	for _, identity := range store.ListIdentities() {
		fmt.Println(utils.EscapeControl(identity))
	}
	return nil
}

func runKeysReload(keyFile string) error {
	store, err := keystore.NewFileStore(keyFile, logrus.WithField(trace.Component, ota.ComponentKeyStore))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := store.Reload(); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("reloaded: %d identities\n", len(store.ListIdentities()))
	return nil
}

func runScriptsValidate(path string) error {
	summary, err := scripts.LoadFile(path, scripts.LoadOptions{SkipInvalid: true})
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("loaded=%d skipped=%d failed=%d\n", summary.Loaded, summary.Skipped, summary.Failed)
	for _, e := range summary.Errors {
		fmt.Fprintln(os.Stderr, utils.EscapeControl(e.Error()))
	}
	if summary.Failed > 0 {
		return trace.BadParameter("%d item(s) failed validation", summary.Failed)
	}
	return nil
}

func runScriptsRender(path, templateID string, bindings []string) error {
	summary, err := scripts.LoadFile(path, scripts.LoadOptions{SkipInvalid: false})
	if err != nil {
		return trace.Wrap(err)
	}
	var tmpl *scripts.Template
	for i := range summary.Templates {
		if summary.Templates[i].ID == templateID {
			tmpl = &summary.Templates[i]
			break
		}
	}
	if tmpl == nil {
		return trace.NotFound("no template with id %q in %v", templateID, path)
	}

	binding := map[string]string{}
	for _, kv := range bindings {
		name, value, ok := splitBinding(kv)
		if !ok {
			return trace.BadParameter("invalid --bind value %q, expected NAME=VALUE", kv)
		}
		binding[name] = value
	}

	rendered, err := scripts.Render(*tmpl, binding)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, cmd := range rendered.Commands {
		fmt.Println(utils.EscapeControl(cmd.Hex))
	}
	return nil
}

func splitBinding(kv string) (name, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
