package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/hydraforge/resolver/internal/zone"
)

func newZonePrintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "zone-print <path>",
		Short: "Parse a zone file and print its records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			z, err := zone.LoadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to load zone: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ORIGIN: %s\n", z.Origin)
			fmt.Fprintf(out, "DEFAULT_TTL: %d\n", z.DefaultTTL)
			fmt.Fprintln(out, "RECORDS:")

			recs := append([]zone.Record(nil), z.Records...)
			sort.Slice(recs, func(i, j int) bool {
				a, b := recs[i], recs[j]
				if a.Name != b.Name {
					return a.Name < b.Name
				}
				if a.Type != b.Type {
					return a.Type < b.Type
				}
				if a.Class != b.Class {
					return a.Class < b.Class
				}
				if a.TTL != b.TTL {
					return a.TTL < b.TTL
				}
				return fmt.Sprintf("%v", a.RData) < fmt.Sprintf("%v", b.RData)
			})

			for _, rr := range recs {
				rdata := rr.RData
				if b, ok := rdata.([]byte); ok {
					rdata = string(b)
				}
				fmt.Fprintf(out, "  %s %d IN %s %v\n", rr.Name, rr.TTL, zone.TypeName(rr.Type), rdata)
			}
			return nil
		},
	}
}
