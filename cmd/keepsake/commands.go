package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keepsake-ai/keepsake/internal/engine"
	"github.com/keepsake-ai/keepsake/internal/storage"
)

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Start an interactive conversation that is remembered",
	Long: `Start an interactive conversation that is remembered.

Each session becomes one episode. Type your messages and end the
session with ":close", "quit" or Ctrl-D; the episode is then saved and
enriched in the background. Without an API key the session records
your messages without generating replies.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		chatty := a.cfg.Engine.APIKey != ""
		if !chatty {
			printWarning("no API key: recording only, replies disabled")
		}

		id, err := a.session.Start()
		if err != nil {
			return err
		}
		printStep("session %s started (:close or Ctrl-D to end)", id[:8])

		ctx := cmd.Context()
		history := make([]engine.Message, 0, 16)
		scanner := bufio.NewScanner(os.Stdin)
		turns := 0

		for {
			fmt.Fprint(os.Stderr, colorize(colorBold, "you> "))
			if !scanner.Scan() {
				break
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == ":close" || line == "quit" || line == "exit" {
				break
			}

			if err := a.session.Append("user", line, ""); err != nil {
				return err
			}
			turns++
			if !chatty {
				continue
			}

			memory, err := a.builder.BuildContext(ctx, line, a.cfg.Retrieval.MaxContext)
			if err != nil {
				printWarning("memory lookup failed: %v", err)
			}

			messages := make([]engine.Message, 0, len(history)+2)
			if memory != "" {
				messages = append(messages, engine.Message{Role: "system", Content: memory})
			}
			messages = append(messages, history...)
			messages = append(messages, engine.Message{Role: "user", Content: line})

			reply, err := a.client.Chat(ctx, a.cfg.Engine.ChatModel, messages, nil)
			if err != nil {
				printError("chat failed: %v", err)
				continue
			}
			fmt.Println(reply)

			if err := a.session.Append("assistant", reply, ""); err != nil {
				return err
			}
			history = append(history,
				engine.Message{Role: "user", Content: line},
				engine.Message{Role: "assistant", Content: reply},
			)
		}
		if err := scanner.Err(); err != nil {
			return err
		}
		if turns == 0 {
			printWarning("nothing recorded, episode discarded")
			return nil
		}

		ep, err := a.session.Close(ctx)
		if err != nil {
			return err
		}
		printSuccess("episode %s saved (%d turns)", ep.ID[:8], len(ep.Messages))
		return nil
	},
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a one-off question against stored memories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contextOnly, _ := cmd.Flags().GetBool("context")

		a, err := openApp(!contextOnly)
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		question := strings.Join(args, " ")

		memory, err := a.builder.BuildContext(ctx, question, a.cfg.Retrieval.MaxContext)
		if err != nil {
			return err
		}
		if contextOnly {
			fmt.Println(memory)
			return nil
		}

		var messages []engine.Message
		if memory != "" {
			messages = append(messages, engine.Message{Role: "system", Content: memory})
		}
		messages = append(messages, engine.Message{Role: "user", Content: question})

		reply, err := a.client.Chat(ctx, a.cfg.Engine.ChatModel, messages, nil)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	},
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search episodes by hybrid entity and semantic retrieval",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		topK, _ := cmd.Flags().GetInt("top")
		emotion, _ := cmd.Flags().GetString("emotion")
		textOnly, _ := cmd.Flags().GetBool("text")
		if emotion == "" && len(args) == 0 {
			return fmt.Errorf("a query or --emotion is required")
		}

		a, err := openApp(emotion == "" && !textOnly)
		if err != nil {
			return err
		}
		defer a.close()

		if topK <= 0 {
			topK = a.cfg.Retrieval.TopK
		}
		query := strings.Join(args, " ")

		if textOnly {
			episodes, err := a.store.SearchByText(query, topK)
			if err != nil {
				return err
			}
			if len(episodes) == 0 {
				printWarning("no episodes mention %q", query)
				return nil
			}
			for _, ep := range episodes {
				printEpisodeLine(ep)
			}
			return nil
		}

		if emotion != "" {
			episodes, err := a.searcher.SearchByEmotion(emotion, topK)
			if err != nil {
				return err
			}
			if len(episodes) == 0 {
				printWarning("no episodes tagged %q", emotion)
				return nil
			}
			for _, ep := range episodes {
				printEpisodeLine(ep)
			}
			return nil
		}

		results, err := a.searcher.Search(cmd.Context(), query, topK)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			printWarning("no matching episodes")
			return nil
		}
		for _, r := range results {
			fmt.Printf("%s  %.3f  %-10s  %s\n",
				colorize(colorCyan, r.Episode.ID[:8]), r.Score, r.Source, episodeDigest(r.Episode))
		}
		return nil
	},
}

// --- recent ---

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the most recent episodes",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("n")

		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		episodes, err := a.searcher.Recent(n)
		if err != nil {
			return err
		}
		if len(episodes) == 0 {
			printWarning("no episodes yet")
			return nil
		}
		for _, ep := range episodes {
			printEpisodeLine(ep)
		}
		return nil
	},
}

// --- show ---

var showCmd = &cobra.Command{
	Use:   "show <episode-id>",
	Short: "Print one episode in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		ep, err := a.store.Get(args[0])
		if err != nil {
			return err
		}

		printStatus("Episode", "%s", ep.ID)
		printStatus("Created", "%s", ep.CreatedAt.Format("2006-01-02 15:04"))
		if ep.Summary != "" {
			printStatus("Summary", "%s", ep.Summary)
		}
		if ep.EmotionTag != "" {
			printStatus("Emotion", "%s", ep.EmotionTag)
		}
		fmt.Println()
		for _, m := range ep.Messages {
			label := "You"
			if m.Role == "user" {
				label = "User"
			}
			fmt.Printf("%s %s\n", colorize(colorBold, label+":"), m.Content)
		}
		if !ep.Entities.IsEmpty() {
			fmt.Println()
			out, err := json.MarshalIndent(ep.Entities, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
		}
		return nil
	},
}

// --- delete ---

var deleteCmd = &cobra.Command{
	Use:   "delete <episode-id>",
	Short: "Delete an episode and its vector fragments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.manager.Delete(args[0]); err != nil {
			return err
		}
		printSuccess("episode %s deleted", args[0])
		return nil
	},
}

// --- reindex ---

var reindexCmd = &cobra.Command{
	Use:   "reindex [episode-id]",
	Short: "Rebuild vector fragments; with an id, re-run full enrichment for that episode",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		if len(args) == 1 {
			if err := a.manager.ReindexEpisode(cmd.Context(), args[0]); err != nil {
				return err
			}
			printSuccess("episode %s re-enriched", args[0])
			return nil
		}

		printStep("reindexing all episodes")
		n, err := a.manager.Reindex(cmd.Context())
		if err != nil {
			return err
		}
		printSuccess("reindexed %d episodes", n)
		return nil
	},
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store sizes for the current identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		episodes, err := a.store.Count()
		if err != nil {
			return err
		}
		fragments, err := a.vectors.Count()
		if err != nil {
			return err
		}

		backend := "unreachable"
		if a.client.IsRunning(cmd.Context()) {
			backend = "reachable"
		}

		printStatus("Identity", "%s", flagIdentity)
		printStatus("Data dir", "%s", a.cfg.Storage.DataDir)
		printStatus("Episodes", "%d", episodes)
		printStatus("Fragments", "%d", fragments)
		printStatus("Backend", "%s (%s)", backend, a.cfg.Engine.BaseURL)
		return nil
	},
}

func printEpisodeLine(ep storage.Episode) {
	fmt.Printf("%s  %s  %s\n",
		colorize(colorCyan, ep.ID[:8]), ep.CreatedAt.Format("2006-01-02 15:04"), episodeDigest(ep))
}

// episodeDigest is a one-line preview: the summary when present,
// otherwise the first user turn.
func episodeDigest(ep storage.Episode) string {
	text := ep.Summary
	if text == "" {
		for _, m := range ep.Messages {
			if m.Role == "user" {
				text = m.Content
				break
			}
		}
	}
	if r := []rune(text); len(r) > 72 {
		text = string(r[:72]) + "…"
	}
	return text
}

func init() {
	askCmd.Flags().Bool("context", false, "print the injectable memory context instead of an answer")
	searchCmd.Flags().Int("top", 0, "number of results (default from config)")
	searchCmd.Flags().String("emotion", "", "list episodes with this emotion tag instead of searching")
	searchCmd.Flags().Bool("text", false, "plain substring search over raw messages")
	recentCmd.Flags().Int("n", 10, "number of episodes to list")

	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(recentCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(statsCmd)
}
