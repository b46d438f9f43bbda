package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/fentz26/deadhand/internal/models"
	"github.com/spf13/cobra"
)

var checkinCmd = &cobra.Command{
	Use:   "checkin [owner-id]",
	Short: "Record a liveness check-in for an owner",
	Long: `Records a check-in at the daemon's current time. A check-in while the
owner is armed cancels every release that has not started executing.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckin,
}

var statusCmd = &cobra.Command{
	Use:   "status [owner-id]",
	Short: "Show the liveness and switch state of an owner",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var releasesCmd = &cobra.Command{
	Use:   "releases [owner-id]",
	Short: "List the release entries of an owner",
	Args:  cobra.ExactArgs(1),
	RunE:  runReleases,
}

var releasesEpisode string

func init() {
	releasesCmd.Flags().StringVar(&releasesEpisode, "episode", "", "Episode number, or \"all\" (default: current or last)")
}

// ownerStatus mirrors the body of GET /owners/{id}/status.
type ownerStatus struct {
	OwnerID     string                       `json:"owner_id"`
	Liveness    models.LivenessState         `json:"liveness"`
	LastCheckin *time.Time                   `json:"last_checkin"`
	Switch      models.SwitchState           `json:"switch"`
	Episode     int64                        `json:"episode"`
	TriggeredAt *time.Time                   `json:"triggered_at"`
	Cancelled   int                          `json:"cancelled"`
	GraceWindow string                       `json:"grace_window"`
	Releases    map[models.ReleaseStatus]int `json:"releases"`
}

func runCheckin(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/owners/"+args[0]+"/checkin", nil)
	if err != nil {
		return err
	}

	var obs ownerStatus
	if err := json.Unmarshal(resp, &obs); err != nil {
		return err
	}
	fmt.Printf("Checked in %s (%s)\n", obs.OwnerID, obs.Liveness)
	if obs.Cancelled > 0 {
		fmt.Printf("Cancelled %d pending release(s) of episode %d\n", obs.Cancelled, obs.Episode)
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/owners/" + args[0] + "/status")
	if err != nil {
		return err
	}

	var s ownerStatus
	if err := json.Unmarshal(resp, &s); err != nil {
		return err
	}

	fmt.Printf("Owner:        %s\n", s.OwnerID)
	fmt.Printf("Liveness:     %s\n", s.Liveness)
	if s.LastCheckin != nil {
		fmt.Printf("Last check-in: %s\n", s.LastCheckin.Local().Format(time.RFC3339))
		if grace, err := time.ParseDuration(s.GraceWindow); err == nil && s.Liveness == models.LivenessAlive {
			fmt.Printf("Triggers at:  %s\n", s.LastCheckin.Add(grace).Local().Format(time.RFC3339))
		}
	}
	fmt.Printf("Grace window: %s\n", s.GraceWindow)
	fmt.Printf("Switch:       %s\n", s.Switch)
	if s.Episode > 0 {
		fmt.Printf("Episode:      %d\n", s.Episode)
	}
	if s.TriggeredAt != nil {
		fmt.Printf("Triggered at: %s\n", s.TriggeredAt.Local().Format(time.RFC3339))
	}
	if len(s.Releases) > 0 {
		statuses := make([]string, 0, len(s.Releases))
		for st := range s.Releases {
			statuses = append(statuses, string(st))
		}
		sort.Strings(statuses)
		fmt.Println("Releases:")
		for _, st := range statuses {
			fmt.Printf("  %-10s %d\n", st, s.Releases[models.ReleaseStatus(st)])
		}
	}
	return nil
}

func runReleases(cmd *cobra.Command, args []string) error {
	path := "/owners/" + args[0] + "/releases"
	if releasesEpisode != "" {
		path += "?episode=" + releasesEpisode
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var entries []models.ReleaseEntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No release entries found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENTRY\tASSET\tEPISODE\tRELEASE TIME\tSTATUS\tATTEMPTS\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\t%s\n",
			truncateID(e.ID), truncateID(e.AssetID), e.Episode,
			e.ReleaseTime.Local().Format("2006-01-02 15:04:05"), e.Status, e.Attempts, truncate(e.LastError, 50))
	}
	w.Flush()
	return nil
}
