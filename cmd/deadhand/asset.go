package main

import (
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/fentz26/deadhand/internal/models"
	"github.com/spf13/cobra"
)

var assetCmd = &cobra.Command{
	Use:   "asset",
	Short: "Manage assets",
}

var assetAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a new asset",
	RunE:  runAssetAdd,
}

var assetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the assets of an owner",
	RunE:  runAssetList,
}

var assetShowCmd = &cobra.Command{
	Use:   "show [asset-id]",
	Short: "Show asset details",
	Args:  cobra.ExactArgs(1),
	RunE:  runAssetShow,
}

var assetUpdateCmd = &cobra.Command{
	Use:   "update [asset-id]",
	Short: "Change an asset that has no active release",
	Args:  cobra.ExactArgs(1),
	RunE:  runAssetUpdate,
}

var assetRemoveCmd = &cobra.Command{
	Use:     "rm [asset-id]",
	Aliases: []string{"delete"},
	Short:   "Remove an asset that has no active release",
	Args:    cobra.ExactArgs(1),
	RunE:    runAssetRemove,
}

var assetLogCmd = &cobra.Command{
	Use:   "log [asset-id]",
	Short: "Show the execution log of an asset",
	Args:  cobra.ExactArgs(1),
	RunE:  runAssetLog,
}

var assetDecisionsCmd = &cobra.Command{
	Use:   "decisions [asset-id]",
	Short: "Show the decision records about an asset",
	Args:  cobra.ExactArgs(1),
	RunE:  runAssetDecisions,
}

var (
	assetOwner     string
	assetPlatform  string
	assetAction    string
	assetRecipient string
	assetDelay     string
	assetPayload   string
	assetFile      string
)

func init() {
	assetCmd.AddCommand(assetAddCmd, assetListCmd, assetShowCmd, assetUpdateCmd, assetRemoveCmd, assetLogCmd, assetDecisionsCmd)

	for _, c := range []*cobra.Command{assetAddCmd, assetUpdateCmd} {
		c.Flags().StringVar(&assetPlatform, "platform", "", "Platform name (e.g. Gmail)")
		c.Flags().StringVar(&assetAction, "action", "", "Delete, Transfer or Archive")
		c.Flags().StringVar(&assetRecipient, "recipient", "", "Recipient email (Transfer only)")
		c.Flags().StringVar(&assetDelay, "delay", "", "Delay after the trigger (HHH:MM:SS or a duration like 72h)")
		c.Flags().StringVar(&assetPayload, "payload", "", "Payload path relative to the executors root")
		c.Flags().StringVar(&assetFile, "file", "", "Attach a file under the executors root")
	}
	assetAddCmd.Flags().StringVar(&assetOwner, "owner", "", "Owner ID (required)")
	assetAddCmd.MarkFlagRequired("owner")
	assetAddCmd.MarkFlagRequired("platform")
	assetAddCmd.MarkFlagRequired("action")

	assetListCmd.Flags().StringVar(&assetOwner, "owner", "", "Owner ID (required)")
	assetListCmd.MarkFlagRequired("owner")
}

func runAssetAdd(cmd *cobra.Command, args []string) error {
	asset := models.Asset{OwnerID: assetOwner}
	if err := applyAssetFlags(cmd, &asset); err != nil {
		return err
	}

	resp, err := apiPost("/assets", asset)
	if err != nil {
		return err
	}

	var created models.Asset
	if err := json.Unmarshal(resp, &created); err != nil {
		return err
	}
	fmt.Printf("Created asset: %s\n", created.ID)
	return nil
}

func runAssetList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/assets?owner=" + assetOwner)
	if err != nil {
		return err
	}

	var assets []models.Asset
	if err := json.Unmarshal(resp, &assets); err != nil {
		return err
	}
	if len(assets) == 0 {
		fmt.Println("No assets found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tACTION\tDELAY\tRECIPIENT\tLOCKED")
	for _, a := range assets {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
			truncateID(a.ID), truncate(a.PlatformName, 30), a.Action, models.FormatDelay(a.Delay), a.Recipient, a.Locked)
	}
	w.Flush()
	return nil
}

func runAssetShow(cmd *cobra.Command, args []string) error {
	a, err := fetchAsset(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("ID:        %s\n", a.ID)
	fmt.Printf("Owner:     %s\n", a.OwnerID)
	fmt.Printf("Platform:  %s\n", a.PlatformName)
	fmt.Printf("Action:    %s\n", a.Action)
	if a.Recipient != "" {
		fmt.Printf("Recipient: %s\n", a.Recipient)
	}
	fmt.Printf("Delay:     %s\n", models.FormatDelay(a.Delay))
	if a.PayloadRef != "" {
		fmt.Printf("Payload:   %s\n", a.PayloadRef)
	}
	if a.File != nil {
		fmt.Printf("File:      %s (%d bytes, %s)\n", a.File.Name, a.File.Size, a.File.Type)
	}
	fmt.Printf("Locked:    %v\n", a.Locked)
	fmt.Printf("Created:   %s\n", a.CreatedAt)
	fmt.Printf("Updated:   %s\n", a.UpdatedAt)
	return nil
}

func runAssetUpdate(cmd *cobra.Command, args []string) error {
	a, err := fetchAsset(args[0])
	if err != nil {
		return err
	}
	if err := applyAssetFlags(cmd, a); err != nil {
		return err
	}

	if _, err := apiPut("/assets/"+args[0], a); err != nil {
		return err
	}
	fmt.Printf("Updated asset %s\n", args[0])
	return nil
}

func runAssetRemove(cmd *cobra.Command, args []string) error {
	if err := apiDelete("/assets/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed asset %s\n", args[0])
	return nil
}

func runAssetLog(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/assets/" + args[0] + "/log")
	if err != nil {
		return err
	}

	var records []models.ExecutionRecord
	if err := json.Unmarshal(resp, &records); err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No execution attempts recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ATTEMPTED\tOUTCOME\tENTRY\tDETAIL")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.AttemptedAt.Local().Format("2006-01-02 15:04:05"), r.Outcome, truncateID(r.EntryID), truncate(r.ErrorDetail, 60))
	}
	w.Flush()
	return nil
}

func runAssetDecisions(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/assets/" + args[0] + "/decisions")
	if err != nil {
		return err
	}

	var entries []models.PDREntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No decisions recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tDETAILS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Action, e.Outcome, truncate(e.Details, 60))
	}
	w.Flush()
	return nil
}

// --- Helpers ---

func fetchAsset(id string) (*models.Asset, error) {
	resp, err := apiGet("/assets/" + id)
	if err != nil {
		return nil, err
	}
	var a models.Asset
	if err := json.Unmarshal(resp, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// applyAssetFlags copies the flags set on cmd into a.
func applyAssetFlags(cmd *cobra.Command, a *models.Asset) error {
	flags := cmd.Flags()
	if flags.Changed("platform") {
		a.PlatformName = assetPlatform
	}
	if flags.Changed("action") {
		a.Action = models.Action(assetAction)
	}
	if flags.Changed("recipient") {
		a.Recipient = assetRecipient
	} else if a.Action != models.ActionTransfer {
		a.Recipient = ""
	}
	if flags.Changed("delay") {
		d, err := models.ParseDelay(assetDelay)
		if err != nil {
			return err
		}
		a.Delay = d
	}
	if flags.Changed("payload") {
		a.PayloadRef = assetPayload
	}
	if flags.Changed("file") {
		meta := &models.FileMeta{
			Name:        filepath.Base(assetFile),
			Type:        mime.TypeByExtension(filepath.Ext(assetFile)),
			StoragePath: assetFile,
		}
		if info, err := os.Stat(assetFile); err == nil {
			meta.Size = info.Size()
		}
		a.File = meta
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
