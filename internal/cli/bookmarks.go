package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/control"
)

func (s *session) bookmarkCommands() []*cobra.Command {
	kind := &artifactKind[model.Bookmark]{
		s: s, noun: "bookmark", plural: "bookmarks", label: "bookmark",
		headers: []string{"ID", "Name", "Prompt", "Response", "Bookmarked"},
		row: func(b model.Bookmark) []string {
			return []string{b.ID, b.Name, truncate(b.Prompt, 40), truncate(b.Response, 40), dateOf(b.BookmarkTime)}
		},
		list:   (*control.Service).ListBookmarks,
		get:    (*control.Service).GetBookmark,
		remove: (*control.Service).DeleteBookmark,
		add:    s.addBookmarkCommand(),
	}
	return append(kind.commands(), s.deleteBookmarksCommand(), s.exportBookmarksCommand())
}

func (s *session) addBookmarkCommand() *cobra.Command {
	var (
		file  string
		flags control.BookmarkInput
	)
	cmd := &cobra.Command{
		Use:   "add_bookmark [NAME [PROMPT [RESPONSE]]]",
		Short: "Bookmark a prompt and its response",
		Args:  cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var b control.BookmarkInput
			if file != "" {
				if err := loadFile(file, &b); err != nil {
					return err
				}
			}
			if err := nameArg(args, &b.Name); err != nil {
				return err
			}
			if len(args) > 1 {
				b.Prompt = args[1]
			}
			if len(args) > 2 {
				b.Response = args[2]
			}
			fl := cmd.Flags()
			if fl.Changed("prepared-prompt") {
				b.PreparedPrompt = flags.PreparedPrompt
			}
			if fl.Changed("context-strategy") {
				b.ContextStrategy = flags.ContextStrategy
			}
			if fl.Changed("prompt-template") {
				b.PromptTemplate = flags.PromptTemplate
			}
			if fl.Changed("attack-module") {
				b.AttackModule = flags.AttackModule
			}
			if fl.Changed("metric") {
				b.Metric = flags.Metric
			}
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			created, err := svc.CreateBookmark(cmd.Context(), b)
			if err != nil {
				return err
			}
			s.success("Created bookmark %s", created.ID)
			return nil
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&file, "file", "f", "", "YAML or JSON bookmark definition")
	fl.StringVar(&flags.PreparedPrompt, "prepared-prompt", "", "Prompt after template rendering")
	fl.StringVar(&flags.ContextStrategy, "context-strategy", "", "Context strategy used")
	fl.StringVar(&flags.PromptTemplate, "prompt-template", "", "Prompt template used")
	fl.StringVar(&flags.AttackModule, "attack-module", "", "Attack module used")
	fl.StringVar(&flags.Metric, "metric", "", "Metric used")
	return cmd
}

func (s *session) deleteBookmarksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete_bookmarks",
		Short: "Delete every bookmark",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !s.confirm("Are you sure you want to delete all bookmarks?") {
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
				return nil
			}
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			n, err := svc.DeleteAllBookmarks()
			if err != nil {
				return err
			}
			s.success("Deleted %d bookmarks", n)
			return nil
		},
	}
}

func (s *session) exportBookmarksCommand() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export_bookmarks",
		Short: "Export every bookmark as JSON, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := s.service(cmd.Context())
			if err != nil {
				return err
			}
			all, err := svc.ExportBookmarks()
			if err != nil {
				return err
			}
			if output == "" {
				return printJSON(cmd, all)
			}
			data, err := json.MarshalIndent(all, "", "  ")
			if err != nil {
				return apperr.Wrap(apperr.Invariant, "export_bookmarks", err)
			}
			if err := os.WriteFile(output, append(data, '\n'), 0o644); err != nil {
				return apperr.Wrap(apperr.IO, "export_bookmarks", err)
			}
			s.success("Exported %d bookmarks to %s", len(all), output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}
