package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	httpserver "github.com/sarar04/flowengine/internal/http"
	"github.com/sarar04/flowengine/internal/log"
	internal_storage "github.com/sarar04/flowengine/internal/storage"
	"github.com/sarar04/flowengine/pkg/service"
)

func SetupCLI(rootCmd *cobra.Command) {
	createCmd := &cobra.Command{
		Use:   "create [definition.json]",
		Short: "Create a workflow template from a JSON definition file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr, err := cmd.Flags().GetString("db")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving db flag: %v", err)
				os.Exit(1)
			}
			belongTo, _ := cmd.Flags().GetString("belong-to")
			store := initStore(dbConnStr)
			defer store.Close()
			svc := service.NewWorkflowService(store, log.GetLogger())
			createWorkflow(svc, args[0], belongTo)
		},
	}
	createCmd.Flags().String("belong-to", "", "Owner of the workflow template")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow templates",
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr, err := cmd.Flags().GetString("db")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving db flag: %v", err)
				os.Exit(1)
			}
			belongTo, _ := cmd.Flags().GetString("belong-to")
			store := initStore(dbConnStr)
			defer store.Close()
			svc := service.NewWorkflowService(store, log.GetLogger())
			listTemplates(svc, belongTo)
		},
	}
	listCmd.Flags().String("belong-to", "", "Filter templates by owner")

	validateCmd := &cobra.Command{
		Use:   "validate [id]",
		Short: "Validate a workflow's graph and report defects",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr, err := cmd.Flags().GetString("db")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving db flag: %v", err)
				os.Exit(1)
			}
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing id as number: %v\n", err)
				os.Exit(1)
			}
			store := initStore(dbConnStr)
			defer store.Close()
			svc := service.NewWorkflowService(store, log.GetLogger())
			validateWorkflow(svc, id)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Run: func(cmd *cobra.Command, args []string) {
			dbConnStr, err := cmd.Flags().GetString("db")
			if err != nil {
				log.GetLogger().Errorf("Error retrieving db flag: %v", err)
				os.Exit(1)
			}
			port, _ := cmd.Flags().GetString("port")
			store := initStore(dbConnStr)
			defer store.Close()
			if err := httpserver.StartServer(port, store); err != nil {
				log.GetLogger().Errorf("Server stopped: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "8080", "Port to listen on")

	rootCmd.AddCommand(createCmd, listCmd, validateCmd, serveCmd)
}

func createWorkflow(svc *service.WorkflowService, path, belongTo string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to read definition file: %v\n", err)
		os.Exit(1)
	}
	var def service.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to parse definition file: %v\n", err)
		os.Exit(1)
	}
	wf, err := svc.CreateWorkflow(def, belongTo)
	if err != nil {
		log.GetLogger().Errorf("Failed to create workflow: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to create workflow: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Created workflow '%s' with ID %d (status %s)\n", wf.Name, wf.ID, wf.Status)
}

func listTemplates(svc *service.WorkflowService, belongTo string) {
	workflows, err := svc.ListTemplates(belongTo, "")
	if err != nil {
		log.GetLogger().Errorf("Failed to list workflows: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to list workflows: %v\n", err)
		os.Exit(1)
	}
	if len(workflows) == 0 {
		fmt.Fprintf(os.Stdout, "No workflows found.\n")
		return
	}
	fmt.Fprintf(os.Stdout, "Workflows:\n")
	for _, wf := range workflows {
		fmt.Fprintf(os.Stdout, "- ID: %d, Name: %s, Status: %s, Created: %s\n",
			wf.ID, wf.Name, wf.Status, wf.CreatedAt.Format(time.RFC3339))
	}
}

func validateWorkflow(svc *service.WorkflowService, id int64) {
	ok, verrs, err := svc.Validate(id, "")
	if err != nil {
		log.GetLogger().Errorf("Failed to validate workflow: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to validate workflow: %v\n", err)
		os.Exit(1)
	}
	if ok {
		fmt.Fprintf(os.Stdout, "Workflow %d is valid.\n", id)
		return
	}
	fmt.Fprintf(os.Stdout, "Workflow %d has defects:\n", id)
	for _, msg := range verrs.Workflow {
		fmt.Fprintf(os.Stdout, "- workflow: %s\n", msg)
	}
	for stateID, msgs := range verrs.States {
		for _, msg := range msgs {
			fmt.Fprintf(os.Stdout, "- state %d: %s\n", stateID, msg)
		}
	}
	for transitionID, msgs := range verrs.Transitions {
		for _, msg := range msgs {
			fmt.Fprintf(os.Stdout, "- transition %d: %s\n", transitionID, msg)
		}
	}
	os.Exit(1)
}

func initStore(dbConnStr string) *internal_storage.PostgresStore {
	store, err := internal_storage.NewPostgresStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}
