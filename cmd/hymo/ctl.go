package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/hymo-mount/hymo/pkg/hider"
)

// runCtl drives the rule-table driver directly, one verb per invocation.
// It exists for scripting and debugging; the engine itself only issues
// hide rules through the injection driver.
func runCtl(args []string) {
	if len(args) == 0 {
		ctlUsage()
		os.Exit(2)
	}

	c, err := hider.OpenClient()
	if err != nil {
		fatal(err)
	}
	defer c.Close()

	verb, args := args[0], args[1:]
	switch verb {
	case "hide":
		err = c.Hide(arg(args, 0))
	case "unhide":
		err = c.Unhide(arg(args, 0))
	case "redirect":
		err = c.Redirect(arg(args, 0), arg(args, 1))
	case "unredirect":
		err = c.Unredirect(arg(args, 0))
	case "merge":
		err = c.Merge(arg(args, 0), arg(args, 1))
	case "unmerge":
		err = c.Unmerge(arg(args, 0))
	case "spoof":
		err = ctlSpoof(c, args)
	case "unspoof":
		err = c.Unspoof(arg(args, 0))
	case "trust":
		gid, perr := strconv.ParseUint(arg(args, 0), 10, 32)
		if perr != nil {
			fatal(fmt.Errorf("ctl trust: %w", perr))
		}
		err = c.SetTrustedGID(uint32(gid))
	default:
		fmt.Fprintf(os.Stderr, "hymo: unknown ctl verb %q\n", verb)
		ctlUsage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

// ctl spoof <name> <uid> <gid> <octal mode> <mtime>
func ctlSpoof(c *hider.Client, args []string) error {
	if len(args) < 5 {
		return fmt.Errorf("ctl spoof: need name, uid, gid, mode, mtime")
	}
	uid, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("ctl spoof uid: %w", err)
	}
	gid, err := strconv.ParseUint(args[2], 10, 32)
	if err != nil {
		return fmt.Errorf("ctl spoof gid: %w", err)
	}
	mode, err := strconv.ParseUint(args[3], 8, 16)
	if err != nil {
		return fmt.Errorf("ctl spoof mode: %w", err)
	}
	mtime, err := strconv.ParseUint(args[4], 10, 64)
	if err != nil {
		return fmt.Errorf("ctl spoof mtime: %w", err)
	}
	return c.Spoof(args[0], uint32(uid), uint32(gid), uint16(mode), mtime)
}

func arg(args []string, i int) string {
	if i >= len(args) {
		ctlUsage()
		os.Exit(2)
	}
	return args[i]
}

func ctlUsage() {
	fmt.Fprint(os.Stderr, `Usage: hymo ctl <verb> [args]

Verbs:
  hide <name>                          hide a path
  unhide <name>                        drop a hide rule
  redirect <src> <target>              redirect lookups of src to target
  unredirect <src>                     drop a redirect rule
  merge <src> <target>                 merge target's listing into src
  unmerge <src>                        drop a merge rule
  spoof <name> <uid> <gid> <mode> <mtime>
                                       spoof metadata (mode is octal)
  unspoof <name>                       drop a spoof rule
  trust <gid>                          set the trusted group id
`)
}
