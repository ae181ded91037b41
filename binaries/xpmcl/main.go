package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/experimaestro/xpm/client/cli"
	"github.com/experimaestro/xpm/common/log/hooks"
)

// CLI binary to talk to the xpm daemon
//	Supported commands: (see "-h" for all options)
//		submit [definition.yaml|json]
//		status [id|locator]
//		restart, kill, delete, clean [id]
//		cleanup-locks
//	Global flags:
//		--addr [<host:port> of the daemon http endpoint]
//		--log_level [<error|info|debug> level and above should be logged]

func main() {
	log.AddHook(hooks.NewContextHook())

	cl := cli.NewSimpleCLIClient(os.Stdout)
	if err := cl.Exec(); err != nil {
		log.Fatal("Error running xpmcl: ", err)
	}
}
