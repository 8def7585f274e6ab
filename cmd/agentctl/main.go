// agentctl is the operator CLI: submit tasks, read results and logs,
// inspect agents and queues, and requeue stranded tasks.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agentgrid/agentgrid/config/logger"
	postgresConfig "github.com/agentgrid/agentgrid/config/storage/postgresql"
	redisConfig "github.com/agentgrid/agentgrid/config/storage/redis"
	config "github.com/agentgrid/agentgrid/config/utils"
	"github.com/agentgrid/agentgrid/internal/adapter/storage/postgres"
	redisAdapter "github.com/agentgrid/agentgrid/internal/adapter/storage/redis"
	"github.com/agentgrid/agentgrid/internal/core/domain"
	"github.com/agentgrid/agentgrid/internal/core/port"
)

const usage = `Usage: agentctl <command> [args]

Commands:
  submit <domain> <description> [requirement ...]   queue a task, print its id
  result <task_id>                                  print the current result
  wait <task_id> [timeout]                          block until a terminal result
  logs <task_id>                                    print the task's log lines
  queue <domain>                                    pending/active depth for a domain
  active <domain>                                   list in-flight tasks
  requeue <domain> <task_id>                        move a stranded task back to pending
  history <domain> [limit]                          recent archived results for a domain
  agents [role]                                     list registered agents
  domains [type]                                    list domain agents
  unhealthy                                         list agents with expired liveness
  cleanup                                           drop registrations of dead agents
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	appConfig := config.New()
	log := logger.Build(appConfig.Logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	client, err := redisConfig.New(ctx, appConfig.Redis)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer client.Close()

	store := redisAdapter.NewTaskStore(client, log)
	registry := redisAdapter.NewAgentRegistry(client, log)

	if err := run(ctx, os.Args[1], os.Args[2:], store, registry, appConfig, log); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string, store port.TaskStore, registry port.AgentRegistry, appConfig *config.AppConfig, log *zap.Logger) error {
	switch command {
	case "submit":
		if len(args) < 2 {
			return fmt.Errorf("submit needs a domain and a description")
		}
		timeout := 5 * time.Minute
		if appConfig.Agent != nil && appConfig.Agent.TaskTimeout > 0 {
			timeout = appConfig.Agent.TaskTimeout
		}
		task := domain.NewTask(args[0], args[1], args[2:], nil, "agentctl", domain.PriorityNormal, timeout)
		id, err := store.PublishTask(ctx, task)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil

	case "result":
		if len(args) != 1 {
			return fmt.Errorf("result needs a task id")
		}
		result, err := store.GetResult(ctx, args[0])
		if err != nil {
			return err
		}
		if result == nil {
			return fmt.Errorf("no result for %s", args[0])
		}
		return printJSON(result)

	case "wait":
		if len(args) < 1 {
			return fmt.Errorf("wait needs a task id")
		}
		timeout := 5 * time.Minute
		if len(args) > 1 {
			d, err := time.ParseDuration(args[1])
			if err != nil {
				return fmt.Errorf("bad timeout %q: %w", args[1], err)
			}
			timeout = d
		}
		result, err := store.WaitForResult(ctx, args[0], timeout)
		if err != nil {
			return err
		}
		return printJSON(result)

	case "logs":
		if len(args) != 1 {
			return fmt.Errorf("logs needs a task id")
		}
		lines, err := store.GetLogs(ctx, args[0])
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		return nil

	case "queue":
		if len(args) != 1 {
			return fmt.Errorf("queue needs a domain")
		}
		pending, err := store.QueueLength(ctx, args[0])
		if err != nil {
			return err
		}
		active, err := store.ListActive(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("pending=%d active=%d\n", pending, len(active))
		return nil

	case "active":
		if len(args) != 1 {
			return fmt.Errorf("active needs a domain")
		}
		tasks, err := store.ListActive(ctx, args[0])
		if err != nil {
			return err
		}
		for _, task := range tasks {
			fmt.Printf("%s\t%s\n", task.TaskID, task.Payload.Description)
		}
		return nil

	case "requeue":
		if len(args) != 2 {
			return fmt.Errorf("requeue needs a domain and a task id")
		}
		if err := store.RequeueActive(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("requeued", args[1])
		return nil

	case "history":
		if len(args) < 1 {
			return fmt.Errorf("history needs a domain")
		}
		limit := 20
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("bad limit %q: %w", args[1], err)
			}
			limit = n
		}
		if appConfig.Archive == nil || !appConfig.Archive.Enabled {
			return fmt.Errorf("result archive is not enabled")
		}
		dbService, err := postgresConfig.New(ctx, appConfig.DB, log)
		if err != nil {
			return err
		}
		defer dbService.Close()
		archive := postgres.NewResultArchive(dbService, log)
		results, err := archive.ListRecent(ctx, args[0], limit)
		if err != nil {
			return err
		}
		for _, r := range results {
			summary := ""
			if r.Output != nil {
				summary = r.Output.Summary
			}
			fmt.Printf("%s\t%s\t%s\t%s\n", r.CreatedAt, r.TaskID, r.Status, summary)
		}
		return nil

	case "agents":
		role := domain.AgentRole("")
		if len(args) > 0 {
			role = domain.AgentRole(args[0])
		}
		agents, err := registry.ListAgents(ctx, role)
		if err != nil {
			return err
		}
		for _, a := range agents {
			healthy, err := registry.IsHealthy(ctx, a.AgentID)
			if err != nil {
				return err
			}
			fmt.Printf("%s\trole=%s domain=%s status=%s healthy=%s\n",
				a.AgentID, a.Role, a.DomainType, a.Status, strconv.FormatBool(healthy))
		}
		return nil

	case "domains":
		domainType := ""
		if len(args) > 0 {
			domainType = args[0]
		}
		agents, err := registry.ListDomains(ctx, domainType)
		if err != nil {
			return err
		}
		for _, a := range agents {
			healthy, err := registry.IsHealthy(ctx, a.AgentID)
			if err != nil {
				return err
			}
			fmt.Printf("%s\tdomain=%s status=%s container=%s healthy=%s\n",
				a.AgentID, a.DomainType, a.Status, a.ContainerID, strconv.FormatBool(healthy))
		}
		return nil

	case "unhealthy":
		ids, err := registry.UnhealthyAgents(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil

	case "cleanup":
		removed, err := registry.CleanupDeadAgents(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d: %s\n", len(removed), strings.Join(removed, ", "))
		return nil

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
