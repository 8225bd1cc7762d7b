package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/qobuzdl/server/internal/catalog"
	"github.com/qobuzdl/server/internal/download"
)

func newStatusCommand(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the download queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := client().QueueStatus(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderSnapshot(snap))
			return nil
		},
	}
}

func renderSnapshot(snap *download.Snapshot) string {
	var rows [][]string
	if snap.CurrentJob != nil {
		rows = append(rows, jobRow("current", snap.CurrentJob))
	}
	for i, job := range snap.PendingJobs {
		rows = append(rows, jobRow(strconv.Itoa(i+1), job))
	}
	if snap.LastJob != nil {
		rows = append(rows, jobRow("last", snap.LastJob))
	}
	if len(rows) == 0 {
		return "Queue is empty"
	}
	return renderTable(
		[]string{"#", "Type", "Title", "Status", "Progress", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}

func jobRow(pos string, job *download.Job) []string {
	detail := job.CurrentTrack
	switch {
	case job.Error != "":
		detail = job.Error
	case job.CompletedAt != nil:
		detail = "finished " + humanize.Time(*job.CompletedAt)
	case job.StartedAt == nil:
		detail = "queued " + humanize.Time(job.CreatedAt)
	}
	return []string{pos, string(job.Type), job.Title, string(job.Status), fmt.Sprintf("%d%%", job.Progress), detail}
}

func newEnqueueCommand(client func() *apiClient) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a catalog item for download",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "album <album-id|url>",
		Short: "Queue every track of an album",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			albumID, err := albumIDFromArg(args[0])
			if err != nil {
				return err
			}
			c := client()
			album, err := c.GetAlbum(cmd.Context(), albumID)
			if err != nil {
				return err
			}
			// The listing is refetched by the server when the job runs.
			album.Tracks = nil
			resp, err := c.Enqueue(cmd.Context(), catalog.AlbumItem(album))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	})
	return cmd
}

// albumIDFromArg accepts a bare album id or a catalog link to an album.
func albumIDFromArg(arg string) (string, error) {
	if !strings.Contains(arg, "/") {
		return arg, nil
	}
	link, err := catalog.ParseLink(arg)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", arg, err)
	}
	if link.Kind != catalog.KindAlbum {
		return "", fmt.Errorf("%s links cannot be queued; pass an album", link.Kind)
	}
	return link.ID, nil
}

func newSearchCommand(client func() *apiClient) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the catalog for albums",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := client().Search(cmd.Context(), strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			if len(results.Albums.Items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No albums found")
				return nil
			}
			rows := make([][]string, 0, len(results.Albums.Items))
			for i := range results.Albums.Items {
				a := &results.Albums.Items[i]
				year := ""
				if y := a.ReleaseYear(); y > 0 {
					year = strconv.Itoa(y)
				}
				rows = append(rows, []string{a.ID, a.ArtistNames(", "), a.DisplayTitle(), year, strconv.Itoa(a.TracksCount)})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"ID", "Artist", "Album", "Year", "Tracks"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum albums to list")
	return cmd
}
