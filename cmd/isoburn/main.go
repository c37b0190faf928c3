package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	burn "github.com/bgrewell/burn-kit"
	"github.com/bgrewell/burn-kit/pkg/errdefs"
	"github.com/bgrewell/burn-kit/pkg/format"
	"github.com/bgrewell/burn-kit/pkg/logging"
	"github.com/bgrewell/burn-kit/pkg/options"
	"github.com/bgrewell/burn-kit/pkg/table"
	"github.com/bgrewell/usage"
	"github.com/theckman/yacspin"
	"golang.org/x/term"
)

var (
	version = "dev"
)

// InitializeSpinner sets up and starts the yacspin spinner used for the
// write-progress line.
func InitializeSpinner() (*yacspin.Spinner, error) {
	settings := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		ShowCursor:        false,
		SpinnerAtEnd:      false,
		CharSet:           yacspin.CharSets[14],
		Colors:            []string{"fgHiCyan"},
		StopColors:        []string{"fgHiGreen"},
		StopFailColors:    []string{"fgHiRed"},
		StopFailCharacter: "✗",
		StopCharacter:     "✓",
	}

	spinner, err := yacspin.New(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create spinner: %w", err)
	}
	if err := spinner.Start(); err != nil {
		return nil, fmt.Errorf("failed to start spinner: %w", err)
	}
	return spinner, nil
}

// CreateProgressCallback returns a ProgressCallback that updates the
// spinner's message with the current write percentage.
func CreateProgressCallback(spinner *yacspin.Spinner) options.ProgressCallback {
	return func(stage string, bytesWritten, totalBytes int64) {
		if spinner == nil || totalBytes == 0 {
			return
		}

		width, _, err := term.GetSize(int(os.Stdout.Fd()))
		if err != nil {
			width = 80
		}

		percent := float64(bytesWritten) / float64(totalBytes) * 100
		barWidth := width - 40
		if barWidth < 10 {
			barWidth = 10
		}
		filled := int(float64(barWidth) * float64(bytesWritten) / float64(totalBytes))
		bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)

		spinner.Message(fmt.Sprintf(" %s [%s] %.1f%% (%d / %d MiB)",
			stage, bar, percent, bytesWritten/(1024*1024), totalBytes/(1024*1024)))
	}
}

// promptTableType asks the operator to choose a partition table when none
// was supplied on the command line. A value given with -t is authoritative
// and this prompt never runs.
func promptTableType() table.Type {
	fmt.Println()
	fmt.Println("Choose the partition table type for the target device:")
	fmt.Println("  [1] MBR - compatible with older BIOS systems, up to 4 partitions, disks up to 2TB")
	fmt.Println("  [2] GPT - required for UEFI-native layouts, 128 partitions, disks beyond 2TB")
	fmt.Print("Choose [1/2]: ")

	reader := bufio.NewReader(os.Stdin)
	choice, _ := reader.ReadString('\n')
	choice = strings.TrimSpace(choice)

	if t, ok := table.ParseType(choice); ok {
		return t
	}
	switch choice {
	case "1":
		return table.MBRTable
	case "2":
		return table.GPTTable
	default:
		fmt.Println("Invalid choice, defaulting to MBR for compatibility")
		return table.MBRTable
	}
}

// confirmDestruction requires a literal "yes" before the destructive phase.
func confirmDestruction(device string) bool {
	fmt.Printf("\nWARNING: All data on %s will be destroyed!\n", device)
	fmt.Print("Continue? (yes/no): ")

	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	return strings.TrimSpace(answer) == "yes"
}

func fatal(device string, err error) {
	if be, ok := errdefs.AsBurnError(err); ok {
		switch be.Kind {
		case errdefs.KindIsPartition:
			fmt.Fprintf(os.Stderr, "Fatal Error: The target device is incomplete.\n")
			fmt.Fprintf(os.Stderr, "  You specified: %s\n", be.Where)
			fmt.Fprintf(os.Stderr, "  Try instead: %s\n", be.SuggestedBase)
			fmt.Fprintf(os.Stderr, "  Just remove the partition number at the end.\n")
			os.Exit(1)
		case errdefs.KindInsufficientSpace:
			fmt.Fprintf(os.Stderr, "Fatal Error: Insufficient storage for requested persistence\n")
			if be.Space != nil {
				fmt.Fprintf(os.Stderr, "  Device: %d MiB\n", be.Space.DeviceMiB)
				fmt.Fprintf(os.Stderr, "  Image: %d MiB\n", be.Space.ImageMiB)
				fmt.Fprintf(os.Stderr, "  Requested persistence: %d MiB\n", be.Space.RequestedMiB)
				fmt.Fprintf(os.Stderr, "  Required: %d MiB\n", be.Space.RequiredMiB)
				fmt.Fprintf(os.Stderr, "  Shortage: %d MiB\n", be.Space.ShortageMiB)
				if be.Space.MaxPersistenceMiB >= 512 {
					fmt.Fprintf(os.Stderr, "  Maximum persistence available: %d MiB\n", be.Space.MaxPersistenceMiB)
				} else {
					fmt.Fprintf(os.Stderr, "  Device too small for persistence (minimum 512 MiB required)\n")
				}
			}
			os.Exit(1)
		}
	}
	fmt.Fprintf(os.Stderr, "Fatal Error: Fail writing at %s, cause: %v\n", device, err)
	os.Exit(1)
}

func main() {
	u := usage.NewUsage()
	help := u.AddBooleanOption("h", "help", false, "Show this help message", "optional", nil)
	showVersion := u.AddBooleanOption("V", "version", false, "Show version information", "optional", nil)
	verbose := u.AddBooleanOption("v", "verbose", false, "Enable verbose (debug) logging", "", nil)
	trace := u.AddBooleanOption("vv", "trace", false, "Enable trace logging", "", nil)
	imagePath := u.AddStringOption("i", "image", "", "Input image file", "required", nil)
	devicePath := u.AddStringOption("o", "output", "", "Output block device (e.g. /dev/sdX)", "required", nil)
	persistSize := u.AddIntegerOption("p", "persistence", 0, "Enable persistence with size in MiB", "optional", nil)
	persistFS := u.AddStringOption("f", "filesystem", "ext4", "Persistence filesystem (ext4, ntfs, exfat, fat32, fat64)", "optional", nil)
	tableType := u.AddStringOption("t", "table", "", "Partition table type (mbr or gpt); prompts when omitted", "optional", nil)
	fastMode := u.AddBooleanOption("m", "fast", false, "Use zero-copy fast mode for writing", "optional", nil)
	dryRun := u.AddBooleanOption("d", "dry-run", false, "Show the plan without performing operations", "optional", nil)
	force := u.AddBooleanOption("F", "force", false, "Skip the destruction confirmation", "optional", nil)

	if !u.Parse() {
		u.PrintError(fmt.Errorf("failed to parse arguments"))
		os.Exit(1)
	}

	if *help {
		u.PrintUsage()
		os.Exit(0)
	}
	if *showVersion {
		fmt.Println("isoburn v" + version)
		os.Exit(0)
	}
	if *imagePath == "" || *devicePath == "" {
		u.PrintError(fmt.Errorf("both -i (input image) and -o (output device) are required"))
		os.Exit(1)
	}

	level := logging.LEVEL_INFO
	if *verbose {
		level = logging.LEVEL_DEBUG
	}
	if *trace {
		level = logging.LEVEL_TRACE
	}
	log := logging.NewSimpleLogger(os.Stderr, level, true)

	persistence := *persistSize > 0
	fs := format.ParseFSType(*persistFS)
	if persistence && !format.Supported(fs) {
		fmt.Fprintf(os.Stderr, "Unsupported filesystem: %s\n", *persistFS)
		fmt.Fprintf(os.Stderr, "Supported filesystems: %s\n", strings.Join(format.SupportedNames(), " "))
		os.Exit(1)
	}
	if !persistence && *persistFS != "ext4" {
		fmt.Fprintln(os.Stderr, "-f (filesystem) only applies together with -p (persistence)")
		os.Exit(1)
	}

	// A table type supplied with -t is used as given; the interactive prompt
	// only covers the missing case.
	var tt table.Type
	if *tableType != "" {
		var ok bool
		if tt, ok = table.ParseType(*tableType); !ok {
			fmt.Fprintln(os.Stderr, "Invalid partition table type, use 'mbr' or 'gpt'")
			os.Exit(1)
		}
	} else if !*dryRun {
		tt = promptTableType()
	}

	if !*dryRun && !*force {
		if !confirmDestruction(*devicePath) {
			fmt.Println("Operation cancelled")
			os.Exit(0)
		}
	}

	var spinner *yacspin.Spinner
	if !*dryRun {
		var err error
		if spinner, err = InitializeSpinner(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize spinner: %v\n", err)
			fmt.Fprintf(os.Stderr, "Progress updates will be disabled.\n")
		}
	}

	opts := []options.Option{
		options.WithLogger(log),
		options.WithFastMode(*fastMode),
		options.WithDryRun(*dryRun),
		options.WithForce(*force),
		options.WithTableType(tt),
		options.WithProgress(CreateProgressCallback(spinner)),
	}
	if persistence {
		opts = append(opts, options.WithPersistence(uint64(*persistSize), fs))
	}

	if err := burn.Burn(*imagePath, *devicePath, opts...); err != nil {
		if spinner != nil {
			spinner.StopFailMessage(" burn failed")
			spinner.StopFail()
		}
		fatal(*devicePath, err)
	}

	if spinner != nil {
		spinner.StopMessage(fmt.Sprintf(" Bootable USB created successfully on %s!", *devicePath))
		spinner.Stop()
	}
	fmt.Printf("You can now safely remove %s\n", *devicePath)
}
