// Command grokmirror replicates git repositories described by a
// grokmirror manifest, and (on the origin side) generates that manifest
// from a directory tree. Grounded on main.go's flag/signal/http-server
// choreography, generalized from one flat flag set into five
// urfave/cli/v3 subcommands, one per responsibility, per spec §6.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/grokmirror/grokmirror-go/fsckctl"
	"github.com/grokmirror/grokmirror-go/genmanifest"
	"github.com/grokmirror/grokmirror-go/internal/config"
	"github.com/grokmirror/grokmirror-go/internal/ghapp"
	"github.com/grokmirror/grokmirror-go/internal/gitexec"
	"github.com/grokmirror/grokmirror-go/internal/metrics"
	"github.com/grokmirror/grokmirror-go/manifest"
	"github.com/grokmirror/grokmirror-go/objstore"
	"github.com/grokmirror/grokmirror-go/pullengine"
)

// exit codes per spec §6.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitPartialFailure = 2
	exitStale         = 127
)

var loggerLevel = new(slog.LevelVar)

func sharedFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "/etc/grokmirror/config.yaml", Usage: "path to the grokmirror config file", Sources: cli.EnvVars("GROKMIRROR_CONFIG")},
		&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "enable debug logging"},
		&cli.BoolFlag{Name: "log-json", Usage: "emit JSON logs instead of the interactive tint handler"},
	}
}

func newLogger(cmd *cli.Command) *slog.Logger {
	if cmd.Bool("verbose") {
		loggerLevel.Set(slog.LevelDebug)
	} else {
		loggerLevel.Set(slog.LevelInfo)
	}

	var handler slog.Handler
	if cmd.Bool("log-json") {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: loggerLevel})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: loggerLevel})
	}
	return slog.New(handler)
}

func loadConfig(cmd *cli.Command) (*config.Config, *slog.Logger, error) {
	log := newLogger(cmd)
	conf, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, log, err
	}
	if lvl, ok := map[string]slog.Level{
		"trace": slog.Level(-8), "debug": slog.LevelDebug, "info": slog.LevelInfo,
		"warn": slog.LevelWarn, "error": slog.LevelError,
	}[conf.Core.LogLevel]; ok && !cmd.Bool("verbose") {
		loggerLevel.Set(lvl)
	}
	return conf, log, nil
}

func main() {
	info, _ := debug.ReadBuildInfo()

	root := &cli.Command{
		Name:  "grokmirror",
		Usage: "replicate and serve git repository trees",
		Commands: []*cli.Command{
			manifestCommand(),
			pullCommand(),
			fsckCommand(),
			bundleCommand(),
			dumbPullCommand(),
			{
				Name:  "version",
				Usage: "print version information",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Printf("version=%s go=%s\n", info.Main.Version, info.GoVersion)
					return nil
				},
			},
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		var exitErr exitCodeError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Error())
			os.Exit(exitErr.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
}

// exitCodeError lets a subcommand's Action propagate a specific process
// exit code through cli.Command.Run's plain error return.
type exitCodeError struct {
	code int
	err  error
}

func (e exitCodeError) Error() string { return e.err.Error() }
func (e exitCodeError) Unwrap() error { return e.err }

func failf(code int, format string, args ...any) error {
	return exitCodeError{code: code, err: fmt.Errorf(format, args...)}
}

func buildGHApp(conf *config.Config) *ghapp.Provider {
	if conf.Auth.GithubAppID == "" {
		return nil
	}
	return &ghapp.Provider{
		AppID:          conf.Auth.GithubAppID,
		InstallationID: conf.Auth.GithubAppInstallationID,
		PrivateKeyPath: conf.Auth.GithubAppPrivateKeyPath,
	}
}

func buildAuthenticator(conf *config.Config, log *slog.Logger) *pullengine.Authenticator {
	return &pullengine.Authenticator{
		Auth:    conf.Auth,
		GitHub:  buildGHApp(conf),
		WorkDir: filepath.Join(conf.Core.Toplevel, ".grokmirror"),
		Log:     log,
	}
}

func preciousMode(s string) objstore.PreciousMode {
	switch s {
	case "always":
		return objstore.PreciousAlways
	case "never":
		return objstore.PreciousNever
	default:
		return objstore.PreciousDuringIdle
	}
}

// serveHTTP starts the /metrics, /debug/pprof/*, /healthz server
// grounded on main.go's mux setup, and returns a shutdown func.
func serveHTTP(log *slog.Logger, addr string, registry *prometheus.Registry) func(context.Context) {
	if addr == "" {
		return func(context.Context) {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok\n")
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       5 * time.Second,
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		log.Info("starting http server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server terminated", "error", err)
		}
	}()

	return func(ctx context.Context) {
		if err := server.Shutdown(ctx); err != nil {
			log.Error("http server shutdown failed", "error", err)
		}
	}
}

// waitForShutdown blocks for SIGINT/SIGTERM, cancels ctx on the first
// signal, and force-exits on a second, per main.go's two-stage
// escalation.
func waitForShutdown(cancel context.CancelFunc) {
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	cancel()
	go func() {
		<-stop
		os.Exit(exitPartialFailure)
	}()
}

func newGitInvoker(conf *config.Config, log *slog.Logger) (*gitexec.Invoker, error) {
	if conf.Core.GitBin != "" {
		if log == nil {
			log = slog.Default()
		}
		return &gitexec.Invoker{Bin: conf.Core.GitBin, Log: log}, nil
	}
	return gitexec.New(log)
}

func manifestCommand() *cli.Command {
	flags := append(sharedFlags(),
		&cli.StringFlag{Name: "toplevel", Usage: "repository tree root (overrides core.toplevel)"},
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "manifest output path"},
		&cli.BoolFlag{Name: "check-export-ok", Usage: "only include repos with git-daemon-export-ok"},
		&cli.BoolFlag{Name: "now", Aliases: []string{"n"}, Usage: "use current time instead of last-commit time"},
		&cli.BoolFlag{Name: "prune", Aliases: []string{"p"}, Usage: "drop entries whose on-disk path no longer exists"},
		&cli.StringSliceFlag{Name: "exclude", Aliases: []string{"x"}, Usage: "remove these paths from an existing manifest"},
		&cli.StringSliceFlag{Name: "ignore", Usage: "glob(s) of paths to exclude from generation"},
		&cli.BoolFlag{Name: "pretty", Usage: "pretty-print the manifest"},
		&cli.BoolFlag{Name: "gzip", Usage: "gzip-compress the manifest"},
	)
	return &cli.Command{
		Name:  "manifest",
		Usage: "generate or update a manifest from a repository tree",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			conf, log, err := loadConfig(cmd)
			if err != nil {
				return failf(exitConfigError, "%w", err)
			}

			toplevel := conf.Core.Toplevel
			if v := cmd.String("toplevel"); v != "" {
				toplevel = v
			}

			git, err := newGitInvoker(conf, log)
			if err != nil {
				return failf(exitConfigError, "git invoker: %w", err)
			}

			output := cmd.String("output")
			opts := genmanifest.Options{
				Toplevel:      toplevel,
				CheckExportOK: cmd.Bool("check-export-ok"),
				IgnoreGlobs:   cmd.StringSlice("ignore"),
				NowMode:       cmd.Bool("now"),
				Exclude:       cmd.StringSlice("exclude"),
				Prune:         cmd.Bool("prune"),
				ExistingPath:  output,
			}

			gen := &genmanifest.Generator{Git: git, Log: log}
			m, err := gen.Generate(ctx, opts)
			if err != nil {
				return failf(exitPartialFailure, "generate manifest: %w", err)
			}

			if output == "" {
				data, err := manifest.Emit(m, manifest.EmitOptions{Pretty: cmd.Bool("pretty"), Gzip: cmd.Bool("gzip")})
				if err != nil {
					return failf(exitPartialFailure, "emit manifest: %w", err)
				}
				os.Stdout.Write(data)
				return nil
			}

			if err := manifest.Write(output, m, manifest.WriteOptions{
				EmitOptions: manifest.EmitOptions{Pretty: cmd.Bool("pretty"), Gzip: cmd.Bool("gzip")},
			}); err != nil {
				return failf(exitPartialFailure, "write manifest: %w", err)
			}
			log.Info("manifest written", "path", output, "repos", len(m.Entries))
			return nil
		},
	}
}

func pullCommand() *cli.Command {
	flags := append(sharedFlags(),
		&cli.BoolFlag{Name: "one-time", Usage: "exit after a single pass instead of looping"},
		&cli.StringFlag{Name: "http-bind-address", Value: ":9001", Usage: "address for /metrics, /healthz, /debug/pprof"},
	)
	return &cli.Command{
		Name:  "pull",
		Usage: "run the replica pull loop against a remote manifest",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			conf, log, err := loadConfig(cmd)
			if err != nil {
				return failf(exitConfigError, "%w", err)
			}

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			registry := prometheus.NewRegistry()
			m := metrics.New(registry)
			shutdownHTTP := serveHTTP(log, cmd.String("http-bind-address"), registry)
			defer shutdownHTTP(context.Background())

			git, err := newGitInvoker(conf, log)
			if err != nil {
				return failf(exitConfigError, "git invoker: %w", err)
			}
			if err := os.MkdirAll(conf.Core.Toplevel, 0755); err != nil {
				return failf(exitConfigError, "create toplevel: %w", err)
			}

			store := objstore.New(conf.Core.Toplevel, git, log)
			worker := &pullengine.Worker{
				Git:          git,
				Objstore:     store,
				Auth:         buildAuthenticator(conf, log),
				Metrics:      m,
				Log:          log,
				RemoteSite:   conf.Remote.Site,
				Toplevel:     conf.Core.Toplevel,
				UsesPlumbing: conf.Objstore.UsesPlumbing,
			}

			engine := &pullengine.Engine{
				Worker:                worker,
				HTTPClient:            &http.Client{Timeout: 30 * time.Second},
				ManifestURL:           conf.Remote.Site + conf.Remote.ManifestPath,
				LocalPath:             filepath.Join(conf.Core.Toplevel, "grokmirror.manifest.js"),
				Toplevel:              conf.Core.Toplevel,
				PullThreads:           conf.Pull.PullThreads,
				ShutdownGrace:         conf.Pull.ShutdownGrace,
				Log:                   log,
				Purge:                 conf.Pull.Purge,
				PurgeQuorum:           conf.Pull.PurgeQuorum,
				PurgeThreshold:        conf.Pull.PurgeThreshold,
				ForcePurge:            conf.Pull.ForcePurge,
				PostUpdateHook:        conf.Pull.PostUpdateHook,
				PostCloneCompleteHook: conf.Pull.PostCloneCompleteHook,
				PostWorkCompleteHook:  conf.Pull.PostWorkCompleteHook,
			}

			if conf.Pull.Socket != "" {
				push := &pullengine.PushSocket{
					Path: conf.Pull.Socket,
					Log:  log,
					KnownPaths: func(path string) bool {
						_, err := os.Stat(filepath.Join(conf.Core.Toplevel, path))
						return err == nil
					},
					Enqueue: func(path string) {
						log.Info("pull: push notification received", "path", path)
						go func() {
							if _, err := engine.PullNow(ctx, path); err != nil {
								log.Error("pull: push-triggered pull failed", "path", path, "error", err)
							}
						}()
					},
				}
				go func() {
					if err := push.Serve(ctx); err != nil {
						log.Error("push socket terminated", "error", err)
					}
				}()
			}

			summary, err := engine.RunOnce(ctx)
			if err != nil {
				return failf(exitPartialFailure, "pull pass: %w", err)
			}
			log.Info("pull pass complete", "updated", summary.Updated, "failed", summary.Failed)

			if cmd.Bool("one-time") {
				if summary.Failed > 0 {
					return failf(exitPartialFailure, "%d repos failed", summary.Failed)
				}
				return nil
			}

			ticker := time.NewTicker(conf.Pull.Refresh)
			defer ticker.Stop()
			go waitForShutdown(cancel)

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					summary, err := engine.RunOnce(ctx)
					if err != nil {
						log.Error("pull pass failed", "error", err)
						continue
					}
					log.Info("pull pass complete", "updated", summary.Updated, "failed", summary.Failed)
				}
			}
		},
	}
}

func fsckCommand() *cli.Command {
	flags := append(sharedFlags(),
		&cli.BoolFlag{Name: "force", Usage: "run fsck regardless of scheduling"},
	)
	return &cli.Command{
		Name:  "fsck",
		Usage: "run the fsck/repack controller over the local repository tree",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			conf, log, err := loadConfig(cmd)
			if err != nil {
				return failf(exitConfigError, "%w", err)
			}

			git, err := newGitInvoker(conf, log)
			if err != nil {
				return failf(exitConfigError, "git invoker: %w", err)
			}

			repos, err := genmanifest.FindRepos(conf.Core.Toplevel)
			if err != nil {
				return failf(exitPartialFailure, "find repos: %w", err)
			}

			store, err := fsckctl.OpenStore(fsckctl.RepoDBPath(conf.Core.Toplevel))
			if err != nil {
				return failf(exitConfigError, "open status store: %w", err)
			}
			defer store.Close()

			ctl := &fsckctl.Controller{
				Git:      git,
				Objstore: objstore.New(conf.Core.Toplevel, git, log),
				Store:    store,
				Policy: fsckctl.Policy{
					LooseObjThreshold:  conf.Fsck.LooseObjThreshold,
					PacksThreshold:     conf.Fsck.PacksThreshold,
					FullRepackInterval: conf.Fsck.FullRepackInterval,
					FsckFrequency:      conf.Fsck.FsckFrequency,
					PruneExpire:        conf.Fsck.PruneExpire,
					Commitgraph:        conf.Fsck.Commitgraph,
				},
				Log:             log,
				RecloneTriggers: conf.Fsck.RecloneOnErrors,
				WebhookURL:      conf.Fsck.ReportWebhook,
				Force:           cmd.Bool("force"),
			}

			report, err := ctl.Run(ctx, fsckctl.PassInput{
				RepoPaths:    repos,
				PreciousMode: preciousMode(conf.Objstore.Precious),
			})
			if err != nil {
				return failf(exitPartialFailure, "fsck pass: %w", err)
			}
			failed := 0
			for _, o := range report.Outcomes {
				if o.Error != "" {
					failed++
				}
			}
			if failed > 0 {
				return failf(exitPartialFailure, "%s", report.Summary())
			}
			return nil
		},
	}
}

// bundleCommand produces a git bundle for a single repository, the
// offline-seed counterpart to a full clone (spec's out-of-scope note on
// "bundle file" production, which still names producing the file itself
// as in-scope even though CDN upload is not).
func bundleCommand() *cli.Command {
	flags := append(sharedFlags(),
		&cli.StringFlag{Name: "repo", Required: true, Usage: "toplevel-relative repo path, e.g. /project.git"},
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Required: true, Usage: "bundle output path"},
	)
	return &cli.Command{
		Name:  "bundle",
		Usage: "create a git bundle of a mirrored repository",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			conf, log, err := loadConfig(cmd)
			if err != nil {
				return failf(exitConfigError, "%w", err)
			}

			git, err := newGitInvoker(conf, log)
			if err != nil {
				return failf(exitConfigError, "git invoker: %w", err)
			}

			repoPath := filepath.Join(conf.Core.Toplevel, cmd.String("repo"))
			output := cmd.String("output")
			if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
				return failf(exitPartialFailure, "create bundle dir: %w", err)
			}

			res, err := git.RunChecked(ctx, repoPath, 10*time.Minute, nil, "bundle", "create", output, "--all")
			if err != nil {
				return failf(exitPartialFailure, "bundle create: %w", err)
			}
			log.Info("bundle created", "repo", cmd.String("repo"), "output", output, "duration", res.Duration)
			return nil
		},
	}
}

// dumbPullCommand fetches a fixed repo list directly, bypassing the
// manifest fetch/delta machinery -- for the external manifest-over-ssh
// fetcher convention spec §6 names (exit 127 == stale).
func dumbPullCommand() *cli.Command {
	flags := append(sharedFlags(),
		&cli.StringSliceFlag{Name: "repo", Usage: "toplevel-relative repo path(s) to fetch; repeatable"},
	)
	return &cli.Command{
		Name:  "dumb-pull",
		Usage: "fetch specific repos directly, without consulting the manifest",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			conf, log, err := loadConfig(cmd)
			if err != nil {
				return failf(exitConfigError, "%w", err)
			}

			git, err := newGitInvoker(conf, log)
			if err != nil {
				return failf(exitConfigError, "git invoker: %w", err)
			}

			paths := cmd.StringSlice("repo")
			if len(paths) == 0 {
				found, err := genmanifest.FindRepos(conf.Core.Toplevel)
				if err != nil {
					return failf(exitPartialFailure, "find repos: %w", err)
				}
				for _, p := range found {
					rel, _ := filepath.Rel(conf.Core.Toplevel, p)
					paths = append(paths, "/"+filepath.ToSlash(rel))
				}
			}

			auth := buildAuthenticator(conf, log)
			var failed int
			for _, p := range paths {
				repoPath := filepath.Join(conf.Core.Toplevel, p)
				envs, err := auth.EnvFor(ctx, conf.Remote.Site+p)
				if err != nil {
					log.Error("dumb-pull: auth resolution failed", "repo", p, "error", err)
					failed++
					continue
				}
				if _, err := git.Fetch(ctx, repoPath, 10*time.Minute, envs, "origin", "+refs/*:refs/*"); err != nil {
					log.Error("dumb-pull: fetch failed", "repo", p, "error", err)
					failed++
					continue
				}
				log.Info("dumb-pull: fetched", "repo", p)
			}

			if failed > 0 {
				return failf(exitPartialFailure, "%d of %d repos failed", failed, len(paths))
			}
			return nil
		},
	}
}
