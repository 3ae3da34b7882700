package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kalambet/vidnote/internal/config"
)

// --- search ---

type searchResult struct {
	NoteID     string    `json:"note_id"`
	Code       string    `json:"code"`
	Title      string    `json:"title"`
	Snippet    string    `json:"snippet"`
	SourceLink string    `json:"source_link"`
	CreatedAt  time.Time `json:"created_at"`
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over stored notes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/notes/search?q=%s&limit=%d", url.QueryEscape(q), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var results []searchResult
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(results) == 0 {
			fmt.Fprintln(out, "No results found.")
			return nil
		}
		for i, r := range results {
			fmt.Fprintf(out, "\n%s %s  %s\n", bold.Sprintf("%d. %s", i+1, r.Title), cyan.Sprint(r.Code), r.CreatedAt.Local().Format("2006-01-02 15:04"))
			if r.Snippet != "" {
				fmt.Fprintf(out, "  %s\n", r.Snippet)
			}
			fmt.Fprintf(out, "  %s\n", r.SourceLink)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results (max 20)")
}

// --- notes ---

type noteSummary struct {
	NoteID     string    `json:"note_id"`
	Code       string    `json:"code"`
	Title      string    `json:"title"`
	Author     string    `json:"author"`
	Tags       []string  `json:"tags"`
	SourceLink string    `json:"source_link"`
	CreatedAt  time.Time `json:"created_at"`
}

type noteDetail struct {
	noteSummary
	Instructions string `json:"instructions"`
	BodyMarkdown string `json:"body_markdown"`
	Stages       []struct {
		Stage     int    `json:"stage"`
		Provider  string `json:"provider"`
		Attempts  int    `json:"attempts"`
		LatencyMs int64  `json:"latency_ms"`
	} `json:"stages"`
}

var notesCmd = &cobra.Command{
	Use:   "notes",
	Short: "Browse stored notes",
}

var notesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List notes, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		tag, _ := cmd.Flags().GetString("tag")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/notes?limit=%d&offset=%d", limit, offset)
		if tag != "" {
			path += "&tag=" + url.QueryEscape(tag)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var notes []noteSummary
		if err := decodeJSON(resp, &notes); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(notes) == 0 {
			fmt.Fprintln(out, "No notes found.")
			return nil
		}
		for _, n := range notes {
			line := fmt.Sprintf("%s  %s  %s", cyan.Sprint(n.Code), n.CreatedAt.Local().Format("2006-01-02 15:04"), truncate(n.Title, 60))
			if len(n.Tags) > 0 {
				line += "  [" + strings.Join(n.Tags, ", ") + "]"
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

var notesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single note",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		byCode, _ := cmd.Flags().GetBool("code")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/notes/" + url.PathEscape(args[0])
		if byCode {
			path = "/notes/code/" + url.PathEscape(args[0])
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var n noteDetail
		if err := decodeJSON(resp, &n); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(n)
		}
		printNote(out, n)
		return nil
	},
}

func printNote(out io.Writer, n noteDetail) {
	fmt.Fprintf(out, "%s  %s\n", bold.Sprint(n.Title), cyan.Sprint(n.Code))
	if n.Author != "" {
		fmt.Fprintf(out, "Author:  %s\n", n.Author)
	}
	fmt.Fprintf(out, "Source:  %s\n", n.SourceLink)
	fmt.Fprintf(out, "Created: %s\n", n.CreatedAt.Local().Format("2006-01-02 15:04"))
	if len(n.Tags) > 0 {
		fmt.Fprintf(out, "Tags:    %s\n", strings.Join(n.Tags, ", "))
	}
	for _, s := range n.Stages {
		fmt.Fprintf(out, "Stage %d: %s, %d attempt(s), %s\n", s.Stage, strings.ToLower(s.Provider), s.Attempts,
			(time.Duration(s.LatencyMs) * time.Millisecond).Round(time.Millisecond))
	}
	fmt.Fprintf(out, "\n%s\n", n.BodyMarkdown)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func init() {
	notesListCmd.Flags().Int("limit", 20, "maximum number of notes to list")
	notesListCmd.Flags().Int("offset", 0, "number of notes to skip")
	notesListCmd.Flags().String("tag", "", "only list notes carrying this tag")
	notesShowCmd.Flags().Bool("code", false, "treat the argument as a short note code")
	notesShowCmd.Flags().Bool("json", false, "print the note as JSON")
	notesCmd.AddCommand(notesListCmd)
	notesCmd.AddCommand(notesShowCmd)
}

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Inject a chat message as the gateway would (for local testing)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, _ := cmd.Flags().GetString("conversation")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/messages", map[string]any{
			"id":              uuid.NewString(),
			"conversation_id": conv,
			"text":            strings.Join(args, " "),
		})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Message accepted: %s", result["action"])
		return nil
	},
}

func init() {
	sendCmd.Flags().String("conversation", "cli", "conversation id to send as")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", bold.Sprint(k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		for _, k := range config.ShowAll(config.Config{}) {
			if k.Key == key && k.Secret {
				value = "(set)"
			}
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
