package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/withobsrvr/coingecko-lake/frame"
	"github.com/withobsrvr/coingecko-lake/lake"
)

// filter restricts the printed rows. Zero values match everything.
type filter struct {
	Date string
	Hour int
	Coin string
}

func (f filter) apply(data *frame.Frame) *frame.Frame {
	return data.Filter(func(r frame.RowView) bool {
		if f.Date != "" && fmt.Sprint(r.Get("date")) != f.Date {
			return false
		}
		if f.Hour >= 0 && !lake.HourEquals(r.Get("hour"), f.Hour) {
			return false
		}
		if f.Coin != "" && fmt.Sprint(r.Get("coin")) != f.Coin {
			return false
		}
		return true
	})
}

func render(w io.Writer, path string, table lake.Table, data *frame.Frame, limit int) error {
	fmt.Fprintf(w, "table:      %s\n", path)
	fmt.Fprintf(w, "version:    %d\n", table.Version)
	fmt.Fprintf(w, "partitions: %s\n", strings.Join(table.PartitionBy, ", "))
	fmt.Fprintf(w, "rows:       %d\n\n", data.Len())

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(data.Columns(), "\t"))
	n := data.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	for i := 0; i < n; i++ {
		row := data.Row(i)
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = cell(v)
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if n < data.Len() {
		fmt.Fprintf(w, "... %d more rows\n", data.Len()-n)
	}
	return nil
}

func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case time.Time:
		return t.Format(time.RFC3339)
	case float64:
		return fmt.Sprintf("%g", t)
	}
	return fmt.Sprint(v)
}
