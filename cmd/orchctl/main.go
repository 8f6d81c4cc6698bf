package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
)

const usage = `orchctl drives an orchestrator over its HTTP API.

Usage:
  orchctl [flags] agents|teams|skills|metrics|logs
  orchctl [flags] task <file.json|file.yaml>
  orchctl [flags] team <team-id> <file>
  orchctl [flags] workflow <file>
  orchctl [flags] executions [workflow-id]
  orchctl [flags]                      interactive mode

Flags:
`

func main() {
	server := flag.String("server", "http://localhost:8080", "Orchestrator server URL")
	session := flag.String("session", "", "Session id attached to executions")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	c := newClient(*server, *session)
	args := flag.Args()
	if len(args) == 0 {
		interactive(c)
		return
	}
	if err := run(c, args); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

func run(c *client, args []string) error {
	switch args[0] {
	case "agents":
		return c.listAgents()
	case "teams":
		return c.listTeams()
	case "skills":
		return c.listSkills()
	case "metrics":
		return c.showMetrics()
	case "logs":
		return c.showLogs()
	case "executions":
		wf := ""
		if len(args) > 1 {
			wf = args[1]
		}
		return c.listExecutions(wf)
	case "task":
		if len(args) < 2 {
			return fmt.Errorf("task: file argument required")
		}
		doc, err := readDocument(args[1])
		if err != nil {
			return err
		}
		return c.executeTask(doc)
	case "team":
		if len(args) < 3 {
			return fmt.Errorf("team: team id and file arguments required")
		}
		doc, err := readDocument(args[2])
		if err != nil {
			return err
		}
		return c.executeTeam(args[1], doc)
	case "workflow":
		if len(args) < 2 {
			return fmt.Errorf("workflow: file argument required")
		}
		doc, err := readDocument(args[1])
		if err != nil {
			return err
		}
		return c.executeWorkflow(doc)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

// interactive sends each line as a generation task. Lines starting with
// @skill-id run that skill with the rest of the line as input.
func interactive(c *client) {
	fmt.Println("Orchestrator CLI")
	fmt.Printf("Server: %s\n", c.server)
	fmt.Println("Type 'exit' or 'quit' to leave. Use @skill-id to run a skill.")
	fmt.Println("Commands: /agents, /teams, /skills, /metrics, /logs")
	fmt.Println("---")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}

		var err error
		switch {
		case strings.HasPrefix(input, "/"):
			err = run(c, []string{strings.TrimPrefix(input, "/")})
		case strings.HasPrefix(input, "@"):
			id, rest, _ := strings.Cut(strings.TrimPrefix(input, "@"), " ")
			err = c.executeSkill(id, strings.TrimSpace(rest))
		default:
			err = c.executeTask(map[string]interface{}{
				"task": map[string]interface{}{
					"name":        firstWords(input, 6),
					"type":        "generation",
					"description": input,
				},
			})
		}
		if err != nil {
			printError("%v", err)
		}
	}
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
