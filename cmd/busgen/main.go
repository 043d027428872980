// Program busgen generates Go bindings from message bus
// introspection XML, read from a file or live from a bus.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/busbind/busbind"
	"github.com/busbind/busbind/internal/gen"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/kr/pretty"
)

var genArgs struct {
	System  bool   `flag:"system,Introspect a service on the system bus"`
	Session bool   `flag:"session,Introspect a service on the session bus"`
	Address string `flag:"address,Introspect a service on the bus at this address"`
	OutFile string `flag:"out,Output file path (default: stdout)"`
	Package string `flag:"package,default=bindings,Package name of the generated file"`
}

const usageText = `<interface-file.xml>
--system|--session <service> <object-path>
--address <address> <service> <object-path>`

func main() {
	root := &command.C{
		Name:  "busgen",
		Usage: usageText,
		Help: `Generate Go bindings from introspection XML.

With a file argument, reads the XML from the file. With --system,
--session or --address, introspects a live object via busctl and
generates bindings from the result.`,
		SetFlags: command.Flags(flax.MustBind, &genArgs),
		Run:      runGenerate,
		Commands: []*command.C{
			{
				Name:  "dump",
				Usage: usageText,
				Help:  "Parse introspection XML and print the resulting model.",
				Run:   runDump,
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

// loadInput reads introspection XML per the selected mode, and
// returns it with a short description of its origin.
func loadInput(env *command.Env) (xml, source string, err error) {
	modes := 0
	for _, on := range []bool{genArgs.System, genArgs.Session, genArgs.Address != ""} {
		if on {
			modes++
		}
	}
	if modes > 1 {
		return "", "", env.Usagef("--system, --session and --address are mutually exclusive")
	}

	if modes == 0 {
		if len(env.Args) != 1 {
			return "", "", env.Usagef("expected one introspection XML file")
		}
		bs, err := os.ReadFile(env.Args[0])
		if err != nil {
			return "", "", fmt.Errorf("reading %s: %w", env.Args[0], err)
		}
		return string(bs), filepath.Base(env.Args[0]), nil
	}

	if len(env.Args) != 2 {
		return "", "", env.Usagef("expected a service name and an object path")
	}
	service, objPath := env.Args[0], env.Args[1]

	args := []string{"introspect", "--xml-interface"}
	switch {
	case genArgs.System:
		args = append(args, "--system")
	case genArgs.Session:
		args = append(args, "--user")
	default:
		args = append(args, "--address="+genArgs.Address)
	}
	args = append(args, service, objPath)

	ctx, cancel := context.WithTimeout(env.Context(), time.Minute)
	defer cancel()
	var out, errOut bytes.Buffer
	cmd := exec.CommandContext(ctx, "busctl", args...)
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(errOut.String())
		if detail != "" {
			return "", "", fmt.Errorf("introspecting %s at %s: %s", service, objPath, detail)
		}
		return "", "", fmt.Errorf("introspecting %s at %s: %w", service, objPath, err)
	}
	return out.String(), fmt.Sprintf("service %s at %s", service, objPath), nil
}

func parseInput(env *command.Env) (*busbind.Node, string, error) {
	xml, source, err := loadInput(env)
	if err != nil {
		return nil, "", err
	}
	node, err := busbind.ParseNode(strings.NewReader(xml))
	if err != nil {
		return nil, "", fmt.Errorf("parsing introspection data from %s: %w", source, err)
	}
	return node, source, nil
}

func runGenerate(env *command.Env) error {
	if len(env.Args) == 0 && !genArgs.System && !genArgs.Session && genArgs.Address == "" {
		command.RunHelp(env)
		return nil
	}

	node, source, err := parseInput(env)
	if err != nil {
		return err
	}

	code, err := gen.Node(node, gen.Config{
		Package: genArgs.Package,
		Source:  source,
	})
	if err != nil {
		return fmt.Errorf("generating bindings from %s: %w", source, err)
	}

	if genArgs.OutFile == "" {
		fmt.Print(code)
		return nil
	}
	if err := os.WriteFile(genArgs.OutFile, []byte(code), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", genArgs.OutFile, err)
	}
	fmt.Printf("Wrote generated package to %s\n", genArgs.OutFile)
	return nil
}

func runDump(env *command.Env) error {
	node, _, err := parseInput(env)
	if err != nil {
		return err
	}
	fmt.Printf("%# v\n", pretty.Formatter(node))
	return nil
}
