// votercli lets a voter register a key and talk to the facility.
package main

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3/cfgpath"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
	"gopkg.in/urfave/cli.v1"

	"go.dedis.ch/votefacility"
	"go.dedis.ch/votefacility/facility"
	"go.dedis.ch/votefacility/keystore"
	"go.dedis.ch/votefacility/network"
	"go.dedis.ch/votefacility/voter"
)

func main() {
	identityFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "name, n",
			Usage: "name as on the roll",
		},
		cli.StringFlag{
			Name:  "number, r",
			Usage: "registration number",
		},
	}
	cliApp := cli.NewApp()
	cliApp.Name = "votercli"
	cliApp.Usage = "Vote at a remote voting facility"
	cliApp.Version = "0.1"
	cliApp.Commands = []cli.Command{
		{
			Name:      "keygen",
			Aliases:   []string{"k"},
			Usage:     "create the key pair of a voter and print the public key to register",
			ArgsUsage: "registrationNumber",
			Action:    keygen,
		},
		{
			Name:      "vote",
			Aliases:   []string{"v"},
			Usage:     "cast a vote",
			ArgsUsage: "host port",
			Flags: append(identityFlags, cli.StringFlag{
				Name:  "candidate",
				Usage: "the candidate to vote for",
			}),
			Action: vote,
		},
		{
			Name:      "history",
			Usage:     "show whether and when you voted",
			ArgsUsage: "host port",
			Flags:     identityFlags,
			Action:    history,
		},
		{
			Name:      "result",
			Usage:     "show the current tally",
			ArgsUsage: "host port",
			Flags:     identityFlags,
			Action:    result,
		},
		{
			Name:      "menu",
			Aliases:   []string{"m"},
			Usage:     "interactive session",
			ArgsUsage: "host port",
			Action:    menu,
		},
	}
	cliApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "keys, k",
			Value: cfgpath.GetDataPath("votercli"),
			Usage: "folder of the key files",
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

func keyStore(c *cli.Context) *keystore.KeyStore {
	return keystore.New(votefacility.Suite, c.GlobalString("keys"), nil)
}

func keygen(c *cli.Context) error {
	if c.NArg() != 1 {
		return xerrors.New("please give the registration number")
	}
	number := c.Args().First()
	if err := voter.ValidNumber(number); err != nil {
		return err
	}
	kp, err := keyStore(c).LoadOrCreate(number)
	if err != nil {
		return err
	}
	pub, err := encoding.PointToStringHex(votefacility.Suite, kp.Public)
	if err != nil {
		return err
	}
	log.Info("Give this key to the facility to register it:")
	fmt.Println(pub)
	return nil
}

// facilityAddress builds the address from the host and port arguments.
func facilityAddress(c *cli.Context) (network.Address, error) {
	if c.NArg() != 2 {
		return "", xerrors.New("please give host and port of the facility")
	}
	port, err := network.ParsePort(c.Args().Get(1))
	if err != nil {
		return "", votefacility.ConfigurationError(err, "")
	}
	return network.NewTCPAddress(net.JoinHostPort(c.Args().First(), fmt.Sprint(port))), nil
}

// voterKey reads the key pair of a voter, it must have been created by
// keygen.
func voterKey(ks *keystore.KeyStore, number string) (*key.Pair, error) {
	if _, err := os.Stat(keystore.PrivateFile(ks.Dir(), number)); err != nil {
		return nil, xerrors.Errorf("no key for %s, please run keygen first", number)
	}
	return ks.LoadOrCreate(number)
}

// pinnedKey returns the facility key stored in the key folder, or nil.
func pinnedKey(ks *keystore.KeyStore) (kyber.Point, error) {
	pub, err := ks.LookupPublicKey(facility.DefaultPrincipal)
	if err != nil {
		if xerrors.Is(err, keystore.ErrNotFound) {
			log.Warn("No facility key found in", ks.Dir(), "- not checking the facility")
			return nil, nil
		}
		return nil, err
	}
	return pub, nil
}

// connect opens an authenticated session.
func connect(c *cli.Context, name, number string) (*voter.Client, error) {
	addr, err := facilityAddress(c)
	if err != nil {
		return nil, err
	}
	if err := voter.ValidName(name); err != nil {
		return nil, err
	}
	if err := voter.ValidNumber(number); err != nil {
		return nil, err
	}
	ks := keyStore(c)
	kp, err := voterKey(ks, number)
	if err != nil {
		return nil, err
	}
	pinned, err := pinnedKey(ks)
	if err != nil {
		return nil, err
	}
	cl, err := voter.Dial(addr, kp, pinned)
	if err != nil {
		return nil, err
	}
	if err := cl.Authenticate(name, number); err != nil {
		return nil, err
	}
	return cl, nil
}

func vote(c *cli.Context) error {
	candidate := c.String("candidate")
	if candidate == "" {
		return xerrors.New("please give --candidate")
	}
	cl, err := connect(c, c.String("name"), c.String("number"))
	if err != nil {
		return err
	}
	defer cl.Quit()
	st, err := cl.CastVote(candidate)
	if err != nil {
		return err
	}
	if st != network.StatusOK {
		return xerrors.Errorf("vote not accepted: %s", st)
	}
	log.Info("Your vote has been recorded")
	return nil
}

func history(c *cli.Context) error {
	cl, err := connect(c, c.String("name"), c.String("number"))
	if err != nil {
		return err
	}
	defer cl.Quit()
	return printHistory(os.Stdout, cl)
}

func result(c *cli.Context) error {
	cl, err := connect(c, c.String("name"), c.String("number"))
	if err != nil {
		return err
	}
	defer cl.Quit()
	return printResult(os.Stdout, cl)
}

func printHistory(w io.Writer, cl *voter.Client) error {
	h, err := cl.History()
	if err != nil {
		return err
	}
	if h.Voted {
		fmt.Fprintln(w, "You voted at", h.Timestamp)
	} else {
		fmt.Fprintln(w, "You have not voted yet")
	}
	return nil
}

func printResult(w io.Writer, cl *voter.Client) error {
	entries, err := cl.Result()
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%s %d\n", e.Candidate, e.Count)
	}
	return nil
}

// menu asks for name and number till they are well formed, then offers the
// actions of the facility.
func menu(c *cli.Context) error {
	in := bufio.NewReader(os.Stdin)
	ask := func(prompt string) (string, error) {
		fmt.Print(prompt)
		s, err := in.ReadString('\n')
		return strings.TrimSpace(s), err
	}

	var name, number string
	var err error
	for {
		if name, err = ask("Name: "); err != nil {
			return err
		}
		if err = voter.ValidName(name); err == nil {
			break
		}
		fmt.Println(err)
	}
	for {
		if number, err = ask("Registration number: "); err != nil {
			return err
		}
		if err = voter.ValidNumber(number); err == nil {
			break
		}
		fmt.Println(err)
	}
	cl, err := connect(c, name, number)
	if err != nil {
		return err
	}
	defer cl.Close()

	for {
		fmt.Println("1. Vote\n2. My vote history\n3. Election result\n4. Quit")
		choice, err := ask("> ")
		if err != nil {
			return err
		}
		switch choice {
		case "1":
			candidate, err := ask("Candidate: ")
			if err != nil {
				return err
			}
			st, err := cl.CastVote(candidate)
			if err != nil {
				return err
			}
			fmt.Println(st)
		case "2":
			err = printHistory(os.Stdout, cl)
		case "3":
			err = printResult(os.Stdout, cl)
		case "4":
			return cl.Quit()
		default:
			fmt.Println("Please choose 1 to 4")
		}
		if err != nil {
			return err
		}
	}
}
