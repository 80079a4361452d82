// Command xc is the client for xcd: it dials xcd's unix socket, sends
// one framed IPC request per invocation, and renders the result.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/jotaen/kong-completion"

	"github.com/banksean/xc/internal/ipc"
)

// Context is shared state every subcommand's Run method receives,
// mirroring cmd/sand's Context-per-subcommand pattern.
type Context struct {
	SocketPath string
}

// Dial opens one connection to xcd for a single request; xc is a
// one-shot CLI, not a long-lived client, so each command dials fresh.
func (c *Context) Dial() (*ipc.Client, error) {
	cl, err := ipc.Dial(c.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("xc: %w (is xcd running?)", err)
	}
	return cl, nil
}

// CLI is xc's command line, structured the way cmd/sand/main.go's CLI
// struct nests one field per subcommand.
type CLI struct {
	Socket string `default:"/var/run/xcd.sock" placeholder:"<path>" help:"path to xcd's unix socket"`

	Run     RunCmd     `cmd:"" help:"instantiate and start a container from an image"`
	Ps      PsCmd      `cmd:"" help:"list containers"`
	Kill    KillCmd    `cmd:"" help:"destroy a container"`
	Image   ImageCmd   `cmd:"" help:"inspect and manage images"`
	Network NetworkCmd `cmd:"" help:"inspect and manage address pools"`
	Pull    PullCmd    `cmd:"" help:"pull an image from a registry"`
	Push    PushCmd    `cmd:"" help:"push an image to a registry"`
	Rdr     RdrCmd     `cmd:"" help:"manage port redirections"`
	Commit  CommitCmd  `cmd:"" help:"snapshot a running container into a new image"`
	Attach  AttachCmd  `cmd:"" help:"attach to a container's main channel"`
	Link    LinkCmd    `cmd:"" help:"link this connection's lifetime to a container"`
	Trace   TraceCmd   `cmd:"" help:"run a command under truss(1) inside a container"`

	Completion kongcompletion.Cmd `cmd:"" help:"print shell completion scripts"`
}

const description = `xc is the command line client for xcd, the FreeBSD jail container daemon.`

func main() {
	var cli CLI
	parser := kong.Must(&cli, kong.Description(description))
	kongcompletion.Register(parser)
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	err = kctx.Run(&Context{SocketPath: cli.Socket})
	if err != nil {
		var ipcErr *ipc.Error
		if ok := asIPCError(err, &ipcErr); ok {
			fmt.Fprintf(os.Stderr, "xc: %s: %s\n", ipcErr.Errno, ipcErr.Message)
			os.Exit(exitCodeForErrno(ipcErr.Errno))
		}
		fmt.Fprintf(os.Stderr, "xc: %v\n", err)
		os.Exit(1)
	}
}

func asIPCError(err error, target **ipc.Error) bool {
	e, ok := err.(*ipc.Error)
	if ok {
		*target = e
	}
	return ok
}

// exitCodeForErrno maps the server's errno categories onto distinct
// nonzero exit codes, per spec §6's "nonzero mirrors the server errno".
func exitCodeForErrno(errno ipc.Errno) int {
	switch errno {
	case ipc.ENOENT:
		return 2
	case ipc.EINVAL:
		return 3
	case ipc.EPERM:
		return 4
	case ipc.EIO:
		return 5
	default:
		return 1
	}
}
