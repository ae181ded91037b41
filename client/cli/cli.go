// Package cli implements xpmcl, the command line client of the daemon.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/experimaestro/xpm/bus"
)

const defaultDaemonAddr = "localhost:9091"

// Client interface that includes CLI handling
type CLIClient interface {
	Exec() error
}

// Implements CLIClient over the daemon HTTP endpoints
type simpleCLIClient struct {
	rootCmd *cobra.Command
	out     io.Writer

	addr     string
	logLevel string
	http     *pester.Client
}

func (c *simpleCLIClient) Exec() error {
	return c.rootCmd.Execute()
}

// NewSimpleCLIClient builds the xpmcl command tree. Replies are printed on out.
func NewSimpleCLIClient(out io.Writer) CLIClient {
	c := &simpleCLIClient{out: out}
	c.rootCmd = &cobra.Command{
		Use:           "xpmcl",
		Short:         "xpmcl is a command-line client to the xpm scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.setup()
		},
	}
	c.rootCmd.PersistentFlags().StringVar(&c.addr, "addr", defaultDaemonAddr, "xpm daemon http address")
	c.rootCmd.PersistentFlags().StringVar(&c.logLevel, "log_level", "info", "Log everything at this level and above (error|info|debug)")

	c.addCmd(&submitCmd{})
	c.addCmd(&statusCmd{})
	c.addCmd(&restartCmd{})
	c.addCmd(&killCmd{})
	c.addCmd(&deleteCmd{})
	c.addCmd(&cleanCmd{})
	c.addCmd(&cleanupLocksCmd{})
	return c
}

func (c *simpleCLIClient) setup() error {
	level, err := log.ParseLevel(c.logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if c.http == nil {
		c.http = bus.MakePesterClient(3, 30*time.Second)
	}
	return nil
}

func (c *simpleCLIClient) url(path string) string {
	base := c.addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return strings.TrimRight(base, "/") + path
}

// call sends body to path and decodes the JSON reply into reply. Replies
// other than 200 are returned as errors carrying the daemon message.
func (c *simpleCLIClient) call(method, path string, body []byte, reply interface{}) error {
	var resp *http.Response
	var err error
	log.WithFields(log.Fields{"method": method, "url": c.url(path)}).Debug("Calling daemon")
	switch method {
	case http.MethodGet:
		resp, err = c.http.Get(c.url(path))
	default:
		resp, err = c.http.Post(c.url(path), "application/json", bytes.NewReader(body))
	}
	if err != nil {
		return errors.Wrapf(err, "calling %s", c.addr)
	}
	defer resp.Body.Close()
	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(data)))
	}
	if reply == nil {
		return nil
	}
	return json.Unmarshal(data, reply)
}

// print writes v as indented JSON.
func (c *simpleCLIClient) print(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(data))
	return err
}

func (c *simpleCLIClient) addCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.run(c, innerCmd, args)
	}
	c.rootCmd.AddCommand(cobraCmd)
}

type command interface {
	registerFlags() *cobra.Command
	run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error
}
