package cli

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type submitCmd struct{}

func (c *submitCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <definition.yaml|json>",
		Short: "Submit a resource definition",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *submitCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	body, err := ReadDefinition(args[0])
	if err != nil {
		return err
	}
	var reply map[string]interface{}
	if err := cl.call(http.MethodPost, "/resources", body, &reply); err != nil {
		return err
	}
	log.WithFields(log.Fields{"id": reply["id"], "status": reply["status"]}).Info("Submitted")
	return cl.print(reply)
}

// ReadDefinition loads a definition file as JSON. YAML files are converted,
// so that both formats share the JSON field names.
func ReadDefinition(path string) ([]byte, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var raw interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", path)
		}
		return json.Marshal(raw)
	default:
		if !json.Valid(data) {
			return nil, errors.Errorf("%s is not valid JSON", path)
		}
		return data, nil
	}
}

type statusCmd struct{}

func (c *statusCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id|locator>",
		Short: "Show the status of a resource and its dependencies",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *statusCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	ref := strings.TrimPrefix(args[0], "/")
	var reply map[string]interface{}
	if err := cl.call(http.MethodGet, "/resources/"+ref, nil, &reply); err != nil {
		return err
	}
	return cl.print(reply)
}

type restartCmd struct {
	done      bool
	recursive bool
}

func (c *restartCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "restart <id>",
		Short: "Put a failed or held job back to waiting",
		Args:  cobra.ExactArgs(1),
	}
	r.Flags().BoolVar(&c.done, "done", false, "Restart the job even when it is done")
	r.Flags().BoolVar(&c.recursive, "recursive", false, "Restart the dependents as well")
	return r
}

func (c *restartCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	return cl.action(args[0], "restart", url.Values{
		"done":      {boolString(c.done)},
		"recursive": {boolString(c.recursive)},
	})
}

type killCmd struct{}

func (c *killCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <id>",
		Short: "Kill a running job",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *killCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	return cl.action(args[0], "kill", nil)
}

type deleteCmd struct {
	recursive bool
}

func (c *deleteCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a resource",
		Args:  cobra.ExactArgs(1),
	}
	r.Flags().BoolVar(&c.recursive, "recursive", false, "Delete the dependents first")
	return r
}

func (c *deleteCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	return cl.action(args[0], "delete", url.Values{"recursive": {boolString(c.recursive)}})
}

type cleanCmd struct {
	removeFiles bool
}

func (c *cleanCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "clean <id>",
		Short: "Remove the run files of a job",
		Args:  cobra.ExactArgs(1),
	}
	r.Flags().BoolVar(&c.removeFiles, "removeFiles", false, "Remove the output, error and input files too")
	return r
}

func (c *cleanCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	return cl.action(args[0], "clean", url.Values{"removeFiles": {boolString(c.removeFiles)}})
}

type cleanupLocksCmd struct {
	simulate bool
}

func (c *cleanupLocksCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "cleanup-locks",
		Short: "Release the locks left by jobs that are not running",
		Args:  cobra.NoArgs,
	}
	r.Flags().BoolVar(&c.simulate, "simulate", false, "Only count the stale locks")
	return r
}

func (c *cleanupLocksCmd) run(cl *simpleCLIClient, cmd *cobra.Command, args []string) error {
	var reply map[string]interface{}
	path := "/admin/cleanup-locks?simulate=" + boolString(c.simulate)
	if err := cl.call(http.MethodPost, path, nil, &reply); err != nil {
		return err
	}
	return cl.print(reply)
}

// action posts to one of the per resource operations.
func (cl *simpleCLIClient) action(id, op string, query url.Values) error {
	path := "/resources/" + url.PathEscape(id) + "/" + op
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var reply map[string]interface{}
	if err := cl.call(http.MethodPost, path, nil, &reply); err != nil {
		return err
	}
	return cl.print(reply)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
