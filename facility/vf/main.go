// vf runs the voting facility.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
	"gopkg.in/urfave/cli.v1"

	"go.dedis.ch/votefacility"
	"go.dedis.ch/votefacility/facility"
	"go.dedis.ch/votefacility/keystore"
	"go.dedis.ch/votefacility/network"
	"go.dedis.ch/votefacility/registry"
)

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = "vf"
	cliApp.Usage = "Remote voting facility"
	cliApp.Version = "0.1"
	cliApp.Commands = []cli.Command{
		{
			Name:      "serve",
			Aliases:   []string{"s"},
			Usage:     "accept voters on the given port",
			ArgsUsage: "port",
			Action:    serve,
		},
		{
			Name:    "keygen",
			Aliases: []string{"k"},
			Usage:   "create the key pair of the facility, if it doesn't exist",
			Action:  keygen,
		},
		{
			Name:      "register-key",
			Aliases:   []string{"r"},
			Usage:     "store the public key of a voter",
			ArgsUsage: "registrationNumber publicKeyHex",
			Action:    registerKey,
		},
	}
	cliApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "configuration file in toml",
		},
		cli.IntFlag{
			Name:  "debug, d",
			Value: 0,
			Usage: "debug-level: 1 for terse, 5 for maximal",
		},
	}
	cliApp.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.Int("debug"))
		return nil
	}
	log.ErrFatal(cliApp.Run(os.Args))
}

func loadConfig(c *cli.Context) (*facility.Config, error) {
	return facility.LoadConfig(c.GlobalString("config"))
}

func serve(c *cli.Context) error {
	if c.NArg() != 1 {
		return xerrors.New("please give the port to listen on")
	}
	port, err := network.ParsePort(c.Args().First())
	if err != nil {
		return votefacility.ConfigurationError(err, "")
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	s, err := facility.New(cfg)
	if err != nil {
		return err
	}
	if err := s.Listen(port); err != nil {
		s.Close()
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	closed := make(chan error, 1)
	go func() {
		sig := <-sigs
		log.Info("Got", sig, "- shutting down")
		closed <- s.Close()
	}()
	if err := s.Serve(); err != nil {
		s.Close()
		return err
	}
	return <-closed
}

func keygen(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ks := keystore.New(votefacility.Suite, cfg.Path(cfg.KeyDir), nil)
	kp, err := ks.LoadOrCreate(cfg.Principal)
	if err != nil {
		return err
	}
	pub, err := encoding.PointToStringHex(votefacility.Suite, kp.Public)
	if err != nil {
		return err
	}
	log.Infof("Public key of %s: %s", cfg.Principal, pub)
	log.Info("Voters need", keystore.PublicFile(ks.Dir(), cfg.Principal),
		"to pin the facility")
	return nil
}

func registerKey(c *cli.Context) error {
	if c.NArg() != 2 {
		return xerrors.New("please give registrationNumber and publicKeyHex")
	}
	number, hex := c.Args().Get(0), c.Args().Get(1)
	if !registry.ValidNumber(number) {
		return xerrors.Errorf("invalid registration number %q", number)
	}
	pub, err := encoding.StringHexToPoint(votefacility.Suite, hex)
	if err != nil {
		return xerrors.Errorf("invalid public key: %v", err)
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	var dir *keystore.Directory
	if cfg.Directory != "" {
		if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
			return err
		}
		dir, err = keystore.OpenDirectory(votefacility.Suite, cfg.Path(cfg.Directory))
		if err != nil {
			return err
		}
		defer dir.Close()
	}
	if err := keystore.New(votefacility.Suite, cfg.Path(cfg.KeyDir), dir).Publish(number, pub); err != nil {
		return err
	}
	log.Info("Registered key of", number)
	return nil
}
