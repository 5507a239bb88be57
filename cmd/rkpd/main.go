// SPDX-FileCopyrightText: (C) 2025 The go-rkp Authors
// SPDX-License-Identifier: Apache 2.0

// The rkpd command maintains a local pool of remotely provisioned attestation
// keys: it refreshes the pool against a signing server, reports occupancy,
// and assigns keys to callers.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	rkp "github.com/remote-provisioning/go-rkp"
	"github.com/remote-provisioning/go-rkp/client"
	"github.com/remote-provisioning/go-rkp/minter"
	"github.com/remote-provisioning/go-rkp/pool"
	"github.com/remote-provisioning/go-rkp/provision"
	"github.com/remote-provisioning/go-rkp/registration"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "rkpd",
		Usage: "remote key provisioning daemon",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log debug messages",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				level.Set(slog.LevelDebug)
			}
			return nil
		},
		Commands: []*cli.Command{
			refreshCommand(),
			statusCommand(),
			getKeyCommand(),
			resetCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type daemon struct {
	config      Config
	settings    *rkp.Settings
	pool        *pool.DB
	provisioner *provision.Provisioner
	registry    *registration.Registry
}

func setup() (*daemon, error) {
	config, err := loadConfig()
	if err != nil {
		return nil, err
	}
	settings := config.settings()

	db, err := pool.Open(config.Database)
	if err != nil {
		return nil, fmt.Errorf("opening key pool: %w", err)
	}

	keyMinter, err := minter.NewSoftware(config.HardwareVersion)
	if err != nil {
		return nil, fmt.Errorf("creating key minter: %w", err)
	}
	provisioner := &provision.Provisioner{
		Settings:  settings,
		Pool:      db,
		Client:    &client.Client{Settings: settings},
		Minter:    keyMinter,
		Component: config.Component,
	}
	return &daemon{
		config:      config,
		settings:    settings,
		pool:        db,
		provisioner: provisioner,
		registry: &registration.Registry{
			Pool:     db,
			Settings: settings,
			Provisioner: func(component string) *provision.Provisioner {
				if component != config.Component {
					return nil
				}
				return provisioner
			},
			RefreshOnly: func(string) bool { return config.RefreshOnly },
		},
	}, nil
}

func (d *daemon) close() { _ = d.pool.Close() }

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "run a refresh round, or keep the pool topped up with --interval",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "rerun the refresh round on this interval",
			},
		},
		Action: func(c *cli.Context) error {
			d, err := setup()
			if err != nil {
				return err
			}
			defer d.close()

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := d.provisioner.Refresh(ctx); err != nil {
				return err
			}
			interval := c.Duration("interval")
			if interval <= 0 {
				return nil
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := d.provisioner.Refresh(ctx); err != nil {
						slog.Error("refresh round failed", "error", err)
					}
				}
			}
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "print pool occupancy and the refresh decision",
		Action: func(c *cli.Context) error {
			d, err := setup()
			if err != nil {
				return err
			}
			defer d.close()

			now := time.Now()
			stats, err := d.pool.Stats(c.Context, d.config.Component,
				d.settings.ExtraSignedKeysAvailable(), d.settings.ExpirationTime(now))
			if err != nil {
				return err
			}
			fmt.Printf("component:        %s\n", d.config.Component)
			fmt.Printf("total keys:       %d\n", stats.Total)
			fmt.Printf("unassigned:       %d\n", stats.Unassigned)
			fmt.Printf("in use:           %d\n", stats.InUse)
			fmt.Printf("expiring by %s: %d\n",
				now.Add(d.settings.ExpiringBy()).Format(time.RFC3339), stats.Expiring)
			fmt.Printf("keys to generate: %d\n", stats.KeysToGenerate)
			return nil
		},
	}
}

func getKeyCommand() *cli.Command {
	return &cli.Command{
		Name:  "get-key",
		Usage: "assign an attestation key to a caller and print its certificate chain",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:     "uid",
				Usage:    "caller uid",
				Required: true,
			},
			&cli.IntFlag{
				Name:     "key-id",
				Usage:    "caller-chosen key id",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			d, err := setup()
			if err != nil {
				return err
			}
			defer d.close()

			reg := d.registry.Get(d.config.Component, int32(c.Int("uid")))
			if reg == nil {
				return fmt.Errorf("unknown component %q", d.config.Component)
			}
			defer reg.Close()
			key, err := reg.GetKey(c.Context, int32(c.Int("key-id")))
			if err != nil {
				return err
			}
			if key == nil {
				fmt.Println("no key available; use a local fallback key")
				return nil
			}
			fmt.Printf("expires: %s\n", key.ExpirationTime.Format(time.RFC3339))
			fmt.Printf("chain:   %x\n", key.CertificateChain)
			return nil
		},
	}
}

func resetCommand() *cli.Command {
	return &cli.Command{
		Name:  "reset",
		Usage: "delete every pooled key, forcing re-provisioning",
		Action: func(c *cli.Context) error {
			d, err := setup()
			if err != nil {
				return err
			}
			defer d.close()
			return d.pool.DeleteAllKeys(c.Context)
		},
	}
}
