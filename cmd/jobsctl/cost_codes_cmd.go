package main

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

var costCodeColumns = []string{
	"code", "description", "unit_of_measure",
	"unit_cost_material", "unit_cost_labor", "unit_cost_other", "unit_cost_total",
}

func newImportCostCodesCmd(open opener) *cobra.Command {
	var (
		file   string
		source string
		apply  bool
	)

	cmd := &cobra.Command{
		Use:   "import-cost-codes",
		Short: "Load the reference cost database from a CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			codes, err := readCostCodes(file, source)
			if err != nil {
				return err
			}

			out := commandOutput{Command: "import-cost-codes", Applied: apply}
			imported := len(codes)
			if apply {
				rt, err := open(cmd.Context())
				if err != nil {
					return err
				}
				defer rt.close()
				if rt.costCodes == nil {
					return errors.New("cost code store not configured")
				}
				if imported, err = rt.costCodes.UpsertCostCodes(cmd.Context(), codes); err != nil {
					return err
				}
			}
			out.Imported = &imported
			out.DurationMS = time.Since(start).Milliseconds()
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "CSV file with a header row (required)")
	cmd.Flags().StringVar(&source, "source", "RSMeans", "Source database label stored with each code")
	cmd.Flags().BoolVar(&apply, "apply", false, "Write the codes (default dry-run validates the file)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readCostCodes(path, source string) ([]domain.CostCode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseCostCodes(f, source)
}

// parseCostCodes requires code and description columns; the other known
// columns are optional and blank cells stay unset.
func parseCostCodes(r io.Reader, source string) ([]domain.CostCode, error) {
	br := bufio.NewReader(r)
	if b, err := br.Peek(3); err == nil && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		_, _ = br.Discard(3)
	}
	reader := csv.NewReader(br)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("missing header")
		}
		return nil, err
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if !utf8.ValidString(name) {
			return nil, errors.New("invalid header encoding")
		}
		if !slices.Contains(costCodeColumns, name) {
			return nil, fmt.Errorf("unexpected header column: %s", name)
		}
		index[name] = i
	}
	for _, required := range []string{"code", "description"} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("missing required header column: %s", required)
		}
	}

	var codes []domain.CostCode
	seen := make(map[string]int)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		cell := func(column string) string {
			i, ok := index[column]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		code := domain.CostCode{
			Code:           cell("code"),
			Description:    cell("description"),
			UnitOfMeasure:  cell("unit_of_measure"),
			SourceDatabase: source,
		}
		if code.Code == "" {
			return nil, fmt.Errorf("line %d: code is required", line)
		}
		if code.Description == "" {
			return nil, fmt.Errorf("line %d: description is required", line)
		}
		if first, dup := seen[code.Code]; dup {
			return nil, fmt.Errorf("line %d: code %s already on line %d", line, code.Code, first)
		}
		seen[code.Code] = line

		for column, target := range map[string]**decimal.Decimal{
			"unit_cost_material": &code.UnitCostMaterial,
			"unit_cost_labor":    &code.UnitCostLabor,
			"unit_cost_other":    &code.UnitCostOther,
			"unit_cost_total":    &code.UnitCostTotal,
		} {
			value := cell(column)
			if value == "" {
				continue
			}
			amount, err := decimal.NewFromString(value)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid %s %q", line, column, value)
			}
			*target = &amount
		}
		codes = append(codes, code)
	}
	if len(codes) == 0 {
		return nil, errors.New("no cost codes in file")
	}
	return codes, nil
}

