package main

import (
	"flag"
	"fmt"
	"os"

	"linkdrop/internal/client"

	"github.com/dustin/go-humanize"
)

const usage = `usage: linkdrop <command> [arguments]

commands:
  upload <file>     upload a file and print its share link
  list              list active shares
  delete <id>       delete a share by id
  progress <id>     show upload progress by upload id

environment:
  LINKDROP_URL         server base URL (default http://localhost:8080)
  LINKDROP_AUTH_TOKEN  bearer credential for the management API
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	baseURL := os.Getenv("LINKDROP_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	c := client.New(baseURL, os.Getenv("LINKDROP_AUTH_TOKEN"))

	var err error
	switch os.Args[1] {
	case "upload":
		err = runUpload(c, os.Args[2:])
	case "list":
		err = runList(c)
	case "delete":
		err = runDelete(c, os.Args[2:])
	case "progress":
		err = runProgress(c, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runUpload(c *client.Client, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ExitOnError)
	maxDownloads := fs.Int("max-downloads", 0, "download cap (0 = unlimited)")
	days := fs.Int("days", 1, "days until the share expires")
	password := fs.String("password", "", "optional download password")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return &client.ValidationError{Arg: "<file>", Cause: "exactly one file required"}
	}
	path := fs.Arg(0)
	if err := client.ValidateUploadPath(path); err != nil {
		return err
	}

	result, err := c.Upload(path, client.UploadOptions{
		MaxDownloads:   *maxDownloads,
		ExpirationDays: *days,
		Password:       *password,
	})
	if err != nil {
		return err
	}

	fmt.Printf("✓ Uploaded %s (%s)\n", path, humanize.IBytes(uint64(result.Size)))
	fmt.Printf("\n  %s\n\n", c.ShareURL(result.Token))
	fmt.Printf("  expires: %s\n", result.ExpiresAt.Local().Format("2006-01-02 15:04"))
	if result.MaxDownloads != nil {
		fmt.Printf("  max downloads: %d\n", *result.MaxDownloads)
	}
	return nil
}

func runList(c *client.Client) error {
	shares, err := c.List()
	if err != nil {
		return err
	}
	if len(shares) == 0 {
		fmt.Println("no active shares")
		return nil
	}

	for _, s := range shares {
		limit := "∞"
		if s.MaxDownloads != nil {
			limit = fmt.Sprintf("%d", *s.MaxDownloads)
		}
		fmt.Printf("%6d  %-40s  %s  downloads %d/%s  expires %s\n",
			s.ID, s.Filename, humanize.IBytes(uint64(s.Size)),
			s.DownloadCount, limit,
			s.ExpiresAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func runDelete(c *client.Client, args []string) error {
	if len(args) != 1 {
		return &client.ValidationError{Arg: "<id>", Cause: "exactly one share id required"}
	}
	var id int64
	if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
		return &client.ValidationError{Arg: args[0], Cause: "not a numeric id"}
	}
	if err := c.Delete(id); err != nil {
		return err
	}
	fmt.Printf("✓ Deleted share %d\n", id)
	return nil
}

func runProgress(c *client.Client, args []string) error {
	if len(args) != 1 {
		return &client.ValidationError{Arg: "<id>", Cause: "exactly one upload id required"}
	}
	p, err := c.Progress(args[0])
	if err != nil {
		return err
	}
	if p.Total > 0 {
		fmt.Printf("%s: %s / %s (%s)\n", p.Status,
			humanize.IBytes(uint64(p.Uploaded)), humanize.IBytes(uint64(p.Total)), p.UploadID)
	} else {
		fmt.Printf("%s: %s (%s)\n", p.Status, humanize.IBytes(uint64(p.Uploaded)), p.UploadID)
	}
	return nil
}
