package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shiftnote-labs/shiftnote/core/pkg/auth"
	"github.com/shiftnote-labs/shiftnote/core/pkg/capture"
	"github.com/shiftnote-labs/shiftnote/core/pkg/config"
	"github.com/shiftnote-labs/shiftnote/core/pkg/deid"
	"github.com/shiftnote-labs/shiftnote/core/pkg/export"
	"github.com/shiftnote-labs/shiftnote/core/pkg/liveview"
	"github.com/shiftnote-labs/shiftnote/core/pkg/policy"
	"github.com/shiftnote-labs/shiftnote/core/pkg/refine"
	"github.com/shiftnote-labs/shiftnote/core/pkg/session"
	"github.com/shiftnote-labs/shiftnote/core/pkg/store"
	"github.com/shiftnote-labs/shiftnote/core/pkg/structuring"
	"github.com/shiftnote-labs/shiftnote/core/pkg/vault"
)

// modelMemoryLimit caps the batch recognizer's linear memory.
const modelMemoryLimit = 256 << 20

type app struct {
	cfg      *config.Config
	ctrl     *session.Controller
	sessions *store.SessionStore
	audit    *store.AuditLog
	vault    vault.Store
	log      *slog.Logger
}

func newRootCmd() *cobra.Command {
	var configPath string
	var token string
	var inputPCM string
	var duty string
	var textPath string

	root := &cobra.Command{
		Use:           "shiftnote",
		Short:         "Local shift-handoff capture and structuring",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("SHIFTNOTE_TOKEN"), "operator token")

	record := &cobra.Command{
		Use:   "record",
		Short: "Capture a PCM file, structure it, and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath, token, inputPCM)
			if err != nil {
				return err
			}
			defer a.close()
			return a.record(cmd.Context(), token, structuring.DutyType(duty))
		},
	}
	record.Flags().StringVar(&inputPCM, "input", "", "raw PCM file to replay as the capture device")
	record.Flags().StringVar(&duty, "duty", string(structuring.DutyDay), "duty type: day|evening|night")
	_ = record.MarkFlagRequired("input")

	structure := &cobra.Command{
		Use:   "structure",
		Short: "Structure a typed transcript file and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath, token, "")
			if err != nil {
				return err
			}
			defer a.close()
			return a.structure(cmd.Context(), token, textPath, structuring.DutyType(duty))
		},
	}
	structure.Flags().StringVar(&textPath, "text", "", "transcript text file, one segment per line")
	structure.Flags().StringVar(&duty, "duty", string(structuring.DutyDay), "duty type: day|evening|night")
	_ = structure.MarkFlagRequired("text")

	sessions := &cobra.Command{Use: "sessions", Short: "Manage stored structured reports"}
	sessions.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List stored reports",
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), configPath, token, "")
				if err != nil {
					return err
				}
				defer a.close()
				recs, err := a.sessions.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, r := range recs {
					fmt.Printf("%s\t%s\texpires %s\n",
						r.ID, r.CreatedAt.Format("2006-01-02 15:04"), r.ExpiresAt.Format("2006-01-02"))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Print one stored report",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), configPath, token, "")
				if err != nil {
					return err
				}
				defer a.close()
				rec, err := a.sessions.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(rec)
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete one stored report",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), configPath, token, "")
				if err != nil {
					return err
				}
				defer a.close()
				return a.sessions.Delete(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "shred <id>",
			Short: "Irreversibly destroy a session's vaulted raw data",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), configPath, token, "")
				if err != nil {
					return err
				}
				defer a.close()
				if err := a.vault.Shred(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, _ = a.audit.Append(cmd.Context(), store.ActionShred, args[0], "vaulted raw data crypto-shredded")
				return nil
			},
		},
	)

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Remove all stored reports and expired vault records",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath, token, "")
			if err != nil {
				return err
			}
			defer a.close()
			return a.ctrl.PurgeAll(cmd.Context())
		},
	}

	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath, token, "")
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.audit.VerifyChain(cmd.Context()); err != nil {
				return err
			}
			events, err := a.audit.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, ev := range events {
				fmt.Printf("%s\t%s\t%s\t%s\n",
					ev.At.Format("2006-01-02 15:04:05"), ev.Action, ev.Session, ev.Detail)
			}
			return nil
		},
	}

	root.AddCommand(record, structure, sessions, purge, auditCmd)
	return root
}

// newApp builds the full dependency graph from configuration. inputPCM is
// non-empty only for the record command, which replays a file as the
// capture device; the token feeds the policy evaluation that selects the
// recognizer.
func newApp(ctx context.Context, configPath, token, inputPCM string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	eval, err := policy.NewEvaluator()
	if err != nil {
		return nil, err
	}

	var vstore vault.Store
	if cfg.Vault.MemoryOnly {
		vstore = vault.NewMemory(vault.Options{
			TTL:           cfg.Vault.TTL.D(),
			SweepInterval: cfg.Vault.SweepInterval.D(),
		})
	} else {
		vstore, err = vault.OpenSQLite(cfg.Vault.Path, vault.Options{
			TTL:           cfg.Vault.TTL.D(),
			SweepInterval: cfg.Vault.SweepInterval.D(),
		})
		if err != nil {
			return nil, err
		}
	}
	go vault.RunSweeper(ctx, vstore, cfg.Vault.SweepInterval.D())

	sessions, err := store.OpenSessionStore(cfg.Store.Path, cfg.Store.TTL.D(), nil)
	if err != nil {
		return nil, err
	}
	audit, err := store.OpenAuditLog(cfg.Store.Path, cfg.Store.AuditCap, cfg.Store.AuditTTL.D(), nil)
	if err != nil {
		return nil, err
	}

	var refiner *refine.Refiner
	if cfg.Refine.URL != "" || cfg.Refine.Required {
		var client refine.Client
		if cfg.Refine.URL != "" {
			client = refine.NewOpenAIClient(cfg.Refine.URL, cfg.Refine.Model)
		}
		refiner = refine.New(client, cfg.Refine.Required, cfg.Refine.Retries, log)
	}

	var exporter *export.Exporter
	if cfg.Sync.Configured && cfg.Sync.Bucket != "" {
		sink, err := newSink(ctx, cfg)
		if err != nil {
			return nil, err
		}
		exporter = export.New(sink)
	}

	var ctrl *session.Controller
	view := liveview.NewSupervisor(liveview.Options{
		LockAfter:  cfg.View.LockAfter.D(),
		PurgeAfter: cfg.View.PurgeAfter.D(),
		Hold:       cfg.View.RevealHold.D(),
		RevealFor:  cfg.View.RevealFor.D(),
	}, liveview.Hooks{
		OnLock: func() {
			if ctrl != nil {
				ctrl.NoteViewLocked(ctx)
			}
		},
		OnUnlock: func() {
			if ctrl != nil {
				ctrl.NoteViewUnlocked(ctx)
			}
		},
		OnPurge: func() {
			if ctrl != nil {
				ctrl.MemoryPurge(ctx)
			}
		},
	})
	go view.Run(ctx)

	var device capture.Device
	var provider capture.Provider
	if inputPCM != "" {
		device = &capture.FileDevice{Path: inputPCM, Chunker: capture.Chunker{
			ChunkMs:    cfg.Capture.ChunkMs,
			OverlapMs:  cfg.Capture.OverlapMs,
			BytesPerMs: 32,
		}}
		// Bind the recognizer the policy actually permits, not the raw
		// configured value: a cloud provider downgrades here.
		pol, err := eval.Evaluate(cfg.PolicyStatic(), operatorFacts(cfg, token))
		if err != nil {
			return nil, err
		}
		provider, err = newProvider(ctx, cfg, pol.EffectiveAsrProvider)
		if err != nil {
			return nil, err
		}
	}

	ctrl = session.New(session.Deps{
		Config:    cfg,
		Evaluator: eval,
		Vault:     vstore,
		Saver:     vault.NewAutosaver(vstore, cfg.Vault.AutosaveDebounce.D(), log),
		Pipeline:  structuring.NewPipeline(nil),
		Guard:     deid.NewGuard(),
		Sessions:  sessions,
		Audit:     audit,
		Refiner:   refiner,
		Exporter:  exporter,
		View:      view,
		Device:    device,
		Provider:  provider,
		Log:       log,
	})

	return &app{cfg: cfg, ctrl: ctrl, sessions: sessions, audit: audit, vault: vstore, log: log}, nil
}

func newSink(ctx context.Context, cfg *config.Config) (export.Sink, error) {
	switch cfg.Sync.Sink {
	case "gcs":
		return export.NewGCSSink(ctx, cfg.Sync.Bucket)
	default:
		return export.NewS3Sink(ctx, cfg.Sync.Bucket)
	}
}

// newProvider builds the recognizer the effective policy names.
// Streaming recognition needs live audio hardware and has no CLI binding,
// so a cloud configuration that downgrades to local streaming surfaces an
// error here rather than silently running a different adapter.
func newProvider(ctx context.Context, cfg *config.Config, effective policy.Provider) (capture.Provider, error) {
	switch effective {
	case policy.ProviderManual:
		return capture.NewManualProvider(), nil
	case policy.ProviderLocalBatch:
		return loadBundle(ctx, cfg.Capture.ModelBundle)
	default:
		return nil, fmt.Errorf("provider %q has no CLI binding; use manual or local_batch", effective)
	}
}

// loadBundle reads a model bundle manifest and compiles its module. The
// wasm path in the manifest resolves relative to the manifest itself.
func loadBundle(ctx context.Context, manifestPath string) (*capture.WASMRecognizer, error) {
	if manifestPath == "" {
		return nil, fmt.Errorf("local batch recognition requires capture.model_bundle")
	}
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read bundle %s: %w", manifestPath, err)
	}
	var bundle capture.ModelBundle
	if err := yaml.Unmarshal(raw, &bundle); err != nil {
		return nil, fmt.Errorf("parse bundle %s: %w", manifestPath, err)
	}
	wasmBytes, err := os.ReadFile(filepath.Join(filepath.Dir(manifestPath), bundle.WASM))
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", bundle.WASM, err)
	}
	return capture.NewWASMRecognizer(ctx, bundle, wasmBytes, modelMemoryLimit)
}

func operatorFacts(cfg *config.Config, token string) policy.Facts {
	authenticated := false
	if secret := os.Getenv(cfg.AuthSecretEnv); secret != "" && token != "" {
		if v, err := auth.NewVerifier([]byte(secret)); err == nil {
			authenticated = v.Authenticated(token)
		}
	}
	// A local terminal session has no intermediary transport to secure.
	return policy.Facts{Authenticated: authenticated, SecureContext: true}
}

func (a *app) facts(token string) policy.Facts {
	return operatorFacts(a.cfg, token)
}

func (a *app) record(ctx context.Context, token string, duty structuring.DutyType) error {
	if _, err := a.ctrl.Begin(ctx, a.facts(token), duty); err != nil {
		return err
	}
	if err := a.ctrl.StartCapture(ctx); err != nil {
		return err
	}
	a.ctrl.DrainCapture()
	if err := a.ctrl.StopCapture(); err != nil {
		return err
	}
	return a.runAndPrint(ctx)
}

func (a *app) structure(ctx context.Context, token, textPath string, duty structuring.DutyType) error {
	if _, err := a.ctrl.Begin(ctx, a.facts(token), duty); err != nil {
		return err
	}
	raw, err := os.ReadFile(textPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", textPath, err)
	}
	var at int64
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := a.ctrl.AppendManualText(line, at, at+30_000); err != nil {
			return err
		}
		at += 30_000
	}
	return a.runAndPrint(ctx)
}

func (a *app) runAndPrint(ctx context.Context) error {
	res, err := a.ctrl.RunPipeline(ctx)
	if err != nil {
		return err
	}
	if res.Safety.PersistAllowed {
		if _, err := a.ctrl.Save(ctx, res); err != nil {
			return err
		}
	} else {
		a.log.Warn("result not persisted", "residual_count", res.Safety.ResidualCount)
	}
	return printJSON(res)
}

func (a *app) close() {
	_ = a.sessions.Close()
	_ = a.audit.Close()
	_ = a.vault.Close()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
