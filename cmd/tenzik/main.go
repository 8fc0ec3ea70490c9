// Command tenzik is the thin operator surface over the capsule runtime and
// federation node: initializing a config, test-running a capsule locally,
// validating a capsule without executing it, running a federation node,
// and verifying a previously issued receipt.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v2"

	"github.com/tenzik-dev/tenzik-core/config"
	"github.com/tenzik-dev/tenzik-core/federation"
	"github.com/tenzik-dev/tenzik-core/runtime"
)

func main() {
	logrus.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true})

	app := &cli.App{
		Name:  "tenzik",
		Usage: "capsule execution and federation node operator surface",
		Commands: []*cli.Command{
			initCommand(),
			testCommand(),
			validateCommand(),
			nodeCommand(),
			receiptCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("tenzik command failed")
	}
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "write a default node configuration file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Value: "tenzik.yaml"},
		},
		Action: func(c *cli.Context) error {
			defaults := config.Default()
			data, err := yaml.Marshal(defaults)
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return os.WriteFile(c.String("out"), data, 0600)
		},
	}
}

func limitsForProfile(profile string) runtime.ResourceLimits {
	switch profile {
	case "development":
		return runtime.DevelopmentLimits()
	case "production":
		return runtime.ProductionLimits()
	default:
		return runtime.DefaultLimits()
	}
}

func testCommand() *cli.Command {
	return &cli.Command{
		Name:  "test",
		Usage: "execute a capsule locally against an input file and print the receipt",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "capsule", Required: true},
			&cli.StringFlag{Name: "input", Required: true},
			&cli.StringFlag{Name: "limits", Value: "default"},
			&cli.BoolFlag{Name: "show-receipt", Value: true},
		},
		Action: func(c *cli.Context) error {
			capsuleBytes, err := os.ReadFile(c.String("capsule"))
			if err != nil {
				return err
			}
			inputBytes, err := os.ReadFile(c.String("input"))
			if err != nil {
				return err
			}

			signer, err := runtime.GenerateSigner()
			if err != nil {
				return err
			}
			executor := runtime.NewExecutor(runtime.DefaultRuntimeConfig(), signer)

			receipt, err := executor.Execute(context.Background(), runtime.Capsule{Bytes: capsuleBytes}, inputBytes, limitsForProfile(c.String("limits")))
			if err != nil {
				return err
			}

			if c.Bool("show-receipt") {
				data, err := receipt.ToJSON()
				if err != nil {
					return err
				}
				fmt.Println(string(data))
			}
			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "validate a capsule without executing it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "capsule", Required: true},
		},
		Action: func(c *cli.Context) error {
			capsuleBytes, err := os.ReadFile(c.String("capsule"))
			if err != nil {
				return err
			}
			validator := runtime.NewValidator(runtime.DefaultValidatorConfig())
			result := validator.Validate(runtime.Capsule{Bytes: capsuleBytes})

			data, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			if !result.IsValid {
				return cli.Exit("capsule failed validation", 1)
			}
			return nil
		},
	}
}

func nodeCommand() *cli.Command {
	return &cli.Command{
		Name:  "node",
		Usage: "run a federation node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config"},
			&cli.IntFlag{Name: "port", Value: 9000},
			&cli.StringSliceFlag{Name: "peer"},
			&cli.StringFlag{Name: "db", Value: ".tenzik"},
			&cli.StringFlag{Name: "name", Value: "tenzik-node"},
		},
		Action: func(c *cli.Context) error {
			var fedCfg federation.NodeConfig
			if path := c.String("config"); path != "" {
				cfg, err := config.Load(path)
				if err != nil {
					return err
				}
				fedCfg = cfg.ToFederationConfig()
			} else {
				fedCfg = federation.DefaultNodeConfig()
				fedCfg.ListenAddr = fmt.Sprintf("0.0.0.0:%d", c.Int("port"))
				fedCfg.InitialPeers = c.StringSlice("peer")
				fedCfg.DBPath = c.String("db")
				fedCfg.Name = c.String("name")
			}

			ctx := context.Background()
			node, err := federation.NewNode(ctx, fedCfg)
			if err != nil {
				return err
			}
			defer node.Shutdown()

			if err := node.Start(ctx); err != nil {
				return err
			}

			logrus.WithFields(logrus.Fields{
				"address":    node.ListenAddress(),
				"public_key": node.PublicKey(),
			}).Info("node started")

			select {}
		},
	}
}

func receiptCommand() *cli.Command {
	return &cli.Command{
		Name:  "receipt",
		Usage: "receipt utilities",
		Subcommands: []*cli.Command{
			{
				Name:  "verify",
				Usage: "verify a receipt file's signature and freshness",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "receipt", Required: true},
				},
				Action: func(c *cli.Context) error {
					data, err := os.ReadFile(c.String("receipt"))
					if err != nil {
						return err
					}
					receipt, err := runtime.ReceiptFromJSON(data)
					if err != nil {
						return err
					}
					verifier := runtime.DefaultReceiptVerifier()
					ok, err := verifier.VerifyReceipt(receipt)
					if err != nil {
						return err
					}
					if !ok {
						return cli.Exit("receipt failed verification", 1)
					}
					fmt.Println("receipt verified:", receipt.ReceiptID())
					return nil
				},
			},
		},
	}
}
