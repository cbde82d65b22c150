package catalog

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/akashsinga/quantpulse/internal/config"
	"github.com/akashsinga/quantpulse/internal/domain"
)

// MasterRow is one parsed line of the upstream security master.
type MasterRow struct {
	SecurityID           int32
	UnderlyingSymbol     string
	SymbolName           string
	DisplayName          string
	ExchangeCode         string
	Segment              string
	Instrument           string
	InstrumentType       string
	ISIN                 string
	LotSize              int64
	TickSize             decimal.Decimal
	ExpiryDate           *time.Time
	UnderlyingSecurityID *int32
	StrikePrice          decimal.Decimal
	OptionType           string
}

// IsFuture reports whether the row describes a futures contract.
func (r *MasterRow) IsFuture() bool {
	return r.Instrument == "FUTSTK" || r.Instrument == "FUTIDX"
}

// IsOption reports whether the row describes an option contract. Option
// rows are not imported but still feed the derivative flags accumulation.
func (r *MasterRow) IsOption() bool {
	return r.Instrument == "OPTSTK" || r.Instrument == "OPTIDX"
}

// masterColumns are the header names the master file must carry.
var masterColumns = []string{
	"SECURITY_ID", "UNDERLYING_SYMBOL", "SYMBOL_NAME", "DISPLAY_NAME",
	"EXCH_ID", "SEGMENT", "INSTRUMENT", "INSTRUMENT_TYPE", "ISIN",
	"LOT_SIZE", "TICK_SIZE", "SM_EXPIRY_DATE", "UNDERLYING_SECURITY_ID",
	"STRIKE_PRICE", "OPTION_TYPE",
}

// ParseMaster streams the tabular master file, returning rows passing the
// exchange filter plus the derivative-flags accumulation over ALL rows
// (options included). Invalid rows are dropped with a warning; a missing
// required column fails the whole parse.
func ParseMaster(r io.Reader, filter *config.CatalogFilter) (rows []MasterRow, flags map[string]domain.DerivativeFlags, err error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read master header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range masterColumns {
		if _, ok := col[required]; !ok {
			return nil, nil, fmt.Errorf("master file missing column %s", required)
		}
	}

	flags = make(map[string]domain.DerivativeFlags)
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			log.Warn().Int("line", line).Err(err).Msg("skipping unreadable master row")
			continue
		}
		field := func(name string) string {
			i := col[name]
			if i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		instrument := field("INSTRUMENT")
		underlying := strings.ToUpper(field("UNDERLYING_SYMBOL"))

		// Flags accumulate across every row of the file, including the
		// contract kinds the importer itself filters out.
		if underlying != "" {
			f := flags[underlying]
			switch {
			case instrument == "FUTSTK" || instrument == "FUTIDX":
				f.HasFutures = true
			case instrument == "OPTSTK" || instrument == "OPTIDX":
				f.HasOptions = true
			}
			flags[underlying] = f
		}

		if !filter.SupportedExchange(field("EXCH_ID")) || !filter.SupportedKind(instrument) {
			continue
		}

		row, perr := parseRow(field)
		if perr != nil {
			log.Warn().Int("line", line).Err(perr).Msg("skipping invalid master row")
			continue
		}
		rows = append(rows, *row)
	}
	return rows, flags, nil
}

func parseRow(field func(string) string) (*MasterRow, error) {
	symbol := field("UNDERLYING_SYMBOL")
	name := field("SYMBOL_NAME")
	if symbol == "" || name == "" {
		return nil, fmt.Errorf("required field empty")
	}

	secID, err := strconv.ParseInt(field("SECURITY_ID"), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("non-numeric SECURITY_ID %q", field("SECURITY_ID"))
	}

	row := &MasterRow{
		SecurityID:       int32(secID),
		UnderlyingSymbol: strings.ToUpper(symbol),
		SymbolName:       name,
		DisplayName:      field("DISPLAY_NAME"),
		ExchangeCode:     field("EXCH_ID"),
		Segment:          field("SEGMENT"),
		Instrument:       field("INSTRUMENT"),
		InstrumentType:   field("INSTRUMENT_TYPE"),
		ISIN:             field("ISIN"),
		OptionType:       field("OPTION_TYPE"),
	}

	if v := field("LOT_SIZE"); v != "" {
		if row.LotSize, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid LOT_SIZE %q", v)
		}
	}
	if v := field("TICK_SIZE"); v != "" {
		if row.TickSize, err = decimal.NewFromString(v); err != nil {
			return nil, fmt.Errorf("invalid TICK_SIZE %q", v)
		}
	}
	if v := field("STRIKE_PRICE"); v != "" {
		if row.StrikePrice, err = decimal.NewFromString(v); err != nil {
			return nil, fmt.Errorf("invalid STRIKE_PRICE %q", v)
		}
	}
	if v := field("SM_EXPIRY_DATE"); v != "" {
		t, err := parseExpiry(v)
		if err != nil {
			return nil, err
		}
		row.ExpiryDate = &t
	}
	if v := field("UNDERLYING_SECURITY_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 32)
		if err == nil {
			id32 := int32(id)
			row.UnderlyingSecurityID = &id32
		}
	}
	return row, nil
}

// parseExpiry accepts the date shapes the master file has been seen to use.
func parseExpiry(v string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "2006-01-02 15:04:05", "02/01/2006"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid SM_EXPIRY_DATE %q", v)
}
