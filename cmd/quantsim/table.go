package main

import (
	"io"
	"maps"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/samcharles93/quantsim/internal/encodings"
	"github.com/samcharles93/quantsim/internal/quantsim"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "-"
}

// quantizerRows renders one row per activation and parameter quantizer in
// graph order.
func quantizerRows(sim *quantsim.Sim, onlyEnabled bool) [][]string {
	var rows [][]string
	add := func(kind string, names []string) {
		for _, name := range names {
			q, ok := sim.Quantizer(name)
			if !ok || (onlyEnabled && !q.Enabled()) {
				continue
			}
			channels := "-"
			if q.PerChannel() {
				channels = strconv.Itoa(q.NumOutputChannels())
			}
			rows = append(rows, []string{
				name,
				kind,
				yesNo(q.Enabled()),
				strconv.Itoa(q.Bitwidth()),
				q.DataType().String(),
				q.Symmetry().String(),
				channels,
				q.Device(),
				q.State().String(),
			})
		}
	}
	add("activation", sim.ActivationNames())
	add("param", sim.ParamNames())
	return rows
}

func renderQuantizers(w io.Writer, sim *quantsim.Sim, onlyEnabled bool) {
	table := newTable(w, []string{"TENSOR", "KIND", "ENABLED", "BITS", "DTYPE", "SYMMETRY", "CHANNELS", "DEVICE", "STATE"})
	table.AppendBulk(quantizerRows(sim, onlyEnabled))
	table.Render()
}

func formatFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'g', 6, 64)
}

func formatInt(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10)
}

// encodingRows renders the first channel of every record list; CHANNELS
// carries the list length.
func encodingRows(doc *encodings.Document) [][]string {
	var rows [][]string
	add := func(kind string, m map[string][]encodings.Record) {
		for _, name := range slices.Sorted(maps.Keys(m)) {
			recs := m[name]
			if len(recs) == 0 {
				rows = append(rows, []string{name, kind, "-", "-", "-", "-", "-", "-", "-", "0"})
				continue
			}
			r := recs[0]
			sym := r.IsSymmetric
			if sym == "" {
				sym = "-"
			}
			rows = append(rows, []string{
				name,
				kind,
				strconv.Itoa(r.Bitwidth),
				r.DType,
				sym,
				formatFloat(r.Min),
				formatFloat(r.Max),
				formatFloat(r.Scale),
				formatInt(r.Offset),
				strconv.Itoa(len(recs)),
			})
		}
	}
	add("activation", doc.ActivationEncodings)
	add("param", doc.ParamEncodings)
	return rows
}

func renderEncodings(w io.Writer, doc *encodings.Document) {
	table := newTable(w, []string{"TENSOR", "KIND", "BITS", "DTYPE", "SYMMETRIC", "MIN", "MAX", "SCALE", "OFFSET", "CHANNELS"})
	table.AppendBulk(encodingRows(doc))
	table.Render()
}
