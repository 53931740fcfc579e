package main

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hydraforge/resolver/internal/dns"
)

func newQueryCmd() *cobra.Command {
	var (
		server   string
		qtype    uint16
		timeout  time.Duration
		recvSize int
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "query <name>",
		Short: "Send a one-shot DNS query over UDP and print the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := queryUDP(server, args[0], qtype, timeout, recvSize)
			if err != nil {
				if !quiet {
					fmt.Fprintf(cmd.ErrOrStderr(), "query: %v\n", err)
				}
				return err
			}
			if quiet {
				return nil
			}

			p, err := dns.ParsePacket(resp)
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "received %d bytes (unparseable)\n", len(resp))
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "id=%d rcode=%d answers=%d authorities=%d additionals=%d\n",
				p.Header.ID,
				dns.RCodeFromFlags(p.Header.Flags),
				len(p.Answers),
				len(p.Authorities),
				len(p.Additionals),
			)

			rows := make([]string, 0, len(p.Answers))
			for _, rr := range p.Answers {
				rows = append(rows, formatRR(rr))
			}
			sort.Strings(rows)
			for _, s := range rows {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "8.8.8.8:53", "DNS server HOST:PORT")
	cmd.Flags().Uint16Var(&qtype, "qtype", uint16(dns.TypeA), "Query type (numeric, A=1)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "Query timeout")
	cmd.Flags().IntVar(&recvSize, "recv-size", 2048, "UDP receive buffer size")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Suppress output (exit status indicates success)")

	return cmd
}

func queryUDP(server, name string, qtype uint16, timeout time.Duration, recvSize int) ([]byte, error) {
	addr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, err
	}
	c, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	reqBytes, err := buildQuery(name, qtype)
	if err != nil {
		return nil, err
	}
	_ = c.SetDeadline(time.Now().Add(timeout))
	if _, err := c.Write(reqBytes); err != nil {
		return nil, err
	}
	buf := make([]byte, recvSize)
	n, err := c.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func buildQuery(name string, qtype uint16) ([]byte, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("name required")
	}
	p := dns.Packet{
		Header:    dns.Header{ID: uint16(time.Now().UnixNano()), Flags: dns.RDFlag},
		Questions: []dns.Question{{Name: strings.TrimSuffix(name, "."), Type: qtype, Class: uint16(dns.ClassIN)}},
	}
	return p.Marshal()
}

// formatRR renders an answer record the way zone files do, dispatching on
// the concrete Record implementation since the wire type code alone
// doesn't tell us which Go type carries the RDATA.
func formatRR(rr dns.Record) string {
	h := rr.Header()
	name := h.Name
	if name == "" {
		name = "."
	}
	switch v := rr.(type) {
	case *dns.IPRecord:
		return fmt.Sprintf("%s %d IN %s %s", name, h.TTL, typeLabel(rr.Type()), v.Addr.String())
	case *dns.NameRecord:
		return fmt.Sprintf("%s %d IN %s %s", name, h.TTL, typeLabel(rr.Type()), v.Target)
	case *dns.MXRecord:
		return fmt.Sprintf("%s %d IN MX %d %s", name, h.TTL, v.Preference, v.Exchange)
	case *dns.TXTRecord:
		return fmt.Sprintf("%s %d IN TXT %q", name, h.TTL, strings.Join(v.Texts, ""))
	case *dns.SRVRecord:
		return fmt.Sprintf("%s %d IN SRV %d %d %d %s", name, h.TTL, v.Priority, v.Weight, v.Port, v.Target)
	case *dns.SOARecord:
		return fmt.Sprintf("%s %d IN SOA %s %s %d %d %d %d %d", name, h.TTL, v.MName, v.RName,
			v.Serial, v.Refresh, v.Retry, v.Expire, v.Minimum)
	default:
		return fmt.Sprintf("%s %d IN TYPE%d (unparsed)", name, h.TTL, uint16(rr.Type()))
	}
}

func typeLabel(t dns.RecordType) string {
	switch t {
	case dns.TypeA:
		return "A"
	case dns.TypeAAAA:
		return "AAAA"
	case dns.TypeCNAME:
		return "CNAME"
	case dns.TypeNS:
		return "NS"
	case dns.TypePTR:
		return "PTR"
	default:
		return fmt.Sprintf("TYPE%d", uint16(t))
	}
}
