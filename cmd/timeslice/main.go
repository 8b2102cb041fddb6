package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tinyrange/vxd/internal/timeslice"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Timeslice file written by vxdctl -timeslice")
	sums := fs.Bool("sums", false, "Print per-phase totals instead of individual records")
	deviceOnly := fs.Bool("device", false, "Only show phases that wait on the core")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open timeslice file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if *sums {
		stats, err := timeslice.Summarize(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
			os.Exit(1)
		}
		for _, s := range stats {
			if *deviceOnly && s.Flags&timeslice.FlagDevice == 0 {
				continue
			}
			fmt.Printf("% 28s flags=% 12s count=% 6d sum=% 14s min=% 14s max=% 14s avg=% 14s\n",
				s.Name, s.Flags, s.Count, s.Total, s.Min, s.Max, s.Mean())
		}
		return
	}

	if err := timeslice.ReadAllRecords(f, func(name string, flags timeslice.Flags, d time.Duration) error {
		if *deviceOnly && flags&timeslice.FlagDevice == 0 {
			return nil
		}
		fmt.Printf("%s %s %s\n", name, flags, d)
		return nil
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
		os.Exit(1)
	}
}
