package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jxucoder/docfix/model"
)

var (
	startRepo  string
	startImage string
	listStatus string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a session and list the repository's documentation pages",
	Example: `  docfix start --repo acme/docs
  docfix start --repo https://github.com/acme/docs --image ghcr.io/acme/docs-tools:latest`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

var pagesCmd = &cobra.Command{
	Use:   "pages <session-id> <selection>",
	Short: `Validate and fix pages ("all", "1,3,5", "1-10")`,
	Args:  cobra.ExactArgs(2),
	RunE:  runPages,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Restart a run that stopped before all selected pages were processed",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback <session-id> <text>",
	Short: "Revert or amend fixes with plain-language feedback",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runFeedback,
}

var finishCmd = &cobra.Command{
	Use:   "finish <session-id>",
	Short: "Finish a session and release its compute",
	Args:  cobra.ExactArgs(1),
	RunE:  runFinish,
}

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show a session, or all sessions without an id",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	startCmd.Flags().StringVarP(&startRepo, "repo", "r", "", "GitHub repository (owner/repo or URL)")
	startCmd.Flags().StringVar(&startImage, "image", "", "sandbox image (default from server config)")
	_ = startCmd.MarkFlagRequired("repo")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (active, finished)")

	rootCmd.AddCommand(startCmd, pagesCmd, resumeCmd, feedbackCmd, finishCmd, statusCmd, listCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	var res struct {
		ID      string        `json:"id"`
		Branch  string        `json:"branch"`
		Outcome model.Outcome `json:"outcome"`
		Pages   []model.Page  `json:"pages"`
	}
	body := map[string]string{"repo": startRepo, "image": startImage}
	if err := call(http.MethodPost, "/api/sessions", body, &res); err != nil {
		return err
	}

	fmt.Printf("Session %s started (branch: %s)\n\n", res.ID, res.Branch)
	if len(res.Pages) == 0 {
		fmt.Println("No documentation pages found.")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tPAGE\tTITLE")
	for i, p := range res.Pages {
		fmt.Fprintf(w, "%d\t%s\t%s\n", i+1, p.Path, p.Title)
	}
	w.Flush()
	fmt.Printf("\nNext: docfix pages %s <selection>\n", res.ID)
	return nil
}

func runPages(cmd *cobra.Command, args []string) error {
	var res struct {
		Total    int      `json:"total"`
		Selected []string `json:"selected"`
	}
	if err := call(http.MethodPost, "/api/sessions/"+args[0]+"/pages", map[string]string{"selection": args[1]}, &res); err != nil {
		return err
	}
	fmt.Printf("Selected %d of %d page(s):\n", len(res.Selected), res.Total)
	for _, p := range res.Selected {
		fmt.Printf("  %s\n", p)
	}
	fmt.Println()
	return streamEvents(args[0])
}

func runResume(cmd *cobra.Command, args []string) error {
	var sess model.Session
	if err := call(http.MethodPost, "/api/sessions/"+args[0]+"/resume", nil, &sess); err != nil {
		return err
	}
	pending := 0
	for _, p := range sess.Pages {
		if p.Status == model.PagePending {
			pending++
		}
	}
	fmt.Printf("Resuming session %s (%d page(s) pending)\n\n", sess.ID, pending)
	return streamEvents(args[0])
}

func runFeedback(cmd *cobra.Command, args []string) error {
	var res struct {
		Entry           model.FeedbackEntry `json:"entry"`
		AlreadyReverted []string            `json:"already_reverted"`
		Outcome         model.Outcome       `json:"outcome"`
		PRURL           string              `json:"pr_url"`
	}
	text := strings.Join(args[1:], " ")
	if err := call(http.MethodPost, "/api/sessions/"+args[0]+"/feedback", map[string]string{"text": text}, &res); err != nil {
		return err
	}
	fmt.Printf("✅ %s\n", res.Outcome.Message)
	for _, a := range res.Entry.ResultingActions {
		line := fmt.Sprintf("  %s %s", a.Kind, a.FixID)
		if a.NewFixID != "" {
			line += " → " + a.NewFixID
		}
		fmt.Println(line)
	}
	if len(res.AlreadyReverted) > 0 {
		fmt.Printf("Already reverted: %s\n", strings.Join(res.AlreadyReverted, ", "))
	}
	if res.PRURL != "" {
		fmt.Printf("PR: %s\n", res.PRURL)
	}
	return nil
}

func runFinish(cmd *cobra.Command, args []string) error {
	var sess model.Session
	if err := call(http.MethodPost, "/api/sessions/"+args[0]+"/finish", nil, &sess); err != nil {
		return err
	}
	fmt.Printf("Session %s finished.\n", sess.ID)
	if sess.PRRef != nil {
		fmt.Printf("PR: %s\n", sess.PRRef.URL)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return runList(cmd, args)
	}
	var sess model.Session
	if err := call(http.MethodGet, "/api/sessions/"+args[0], nil, &sess); err != nil {
		return err
	}

	fmt.Printf("Session:  %s\n", sess.ID)
	fmt.Printf("Repo:     %s\n", sess.Repo)
	fmt.Printf("Status:   %s\n", statusIcon(sess.Lifecycle.Status))
	fmt.Printf("Stage:    %s\n", sess.Lifecycle.Stage)
	fmt.Printf("Branch:   %s\n", sess.Branch)
	fmt.Printf("Created:  %s\n", sess.Lifecycle.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Active:   %s\n", sess.Lifecycle.LastActivityAt.Format("2006-01-02 15:04:05"))
	if sess.ComputeRef != nil {
		fmt.Printf("Compute:  %s\n", sess.ComputeRef.Handle)
	}
	if sess.PRRef != nil {
		fmt.Printf("PR:       %s\n", sess.PRRef.URL)
	}
	if sess.Lifecycle.Error != "" {
		fmt.Printf("Error:    %s\n", sess.Lifecycle.Error)
	}

	if sel := sess.SelectedPages(); len(sel) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PAGE\tSTATUS\tISSUES")
		for _, p := range sel {
			fmt.Fprintf(w, "%s\t%s\t%d\n", p.Path, p.Status, len(sess.IssuesForPage(p.Path)))
		}
		w.Flush()
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	path := "/api/sessions"
	if listStatus != "" {
		path += "?status=" + url.QueryEscape(listStatus)
	}
	var sessions []model.Session
	if err := call(http.MethodGet, path, nil, &sessions); err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREPO\tSTATUS\tSTAGE\tPR")
	for _, s := range sessions {
		pr := "-"
		if s.PRRef != nil {
			pr = s.PRRef.URL
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Repo, statusIcon(s.Lifecycle.Status), s.Lifecycle.Stage, pr)
	}
	return w.Flush()
}

func statusIcon(status model.SessionStatus) string {
	switch status {
	case model.StatusActive:
		return "🔄 active"
	case model.StatusFinished:
		return "✅ finished"
	default:
		return string(status)
	}
}
