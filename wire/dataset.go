package wire

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/consometers/quoalise/errors"
)

// Record is a single timestamped measurement.
type Record struct {
	Time  time.Time
	Value float64
	Unit  string
}

// Dataset is the result of a successful query: an ordered sequence of
// records for one device metric. Records are ordered by non-decreasing
// timestamp and duplicate timestamps are rejected, never coalesced.
// A Dataset is immutable once built.
type Dataset struct {
	DeviceID string
	Metric   string
	Records  []Record
}

// validUnit reports whether unit is a well-formed measurement unit token.
// Units are opaque SenML-style tokens ("Wh", "kWh", "W"); the codec only
// requires a non-empty token without whitespace.
func validUnit(unit string) bool {
	return unit != "" && !strings.ContainsAny(unit, " \t\n\r")
}

// Validate checks the dataset invariants: non-empty identifiers, well-formed
// units, and strictly increasing timestamps.
func (d Dataset) Validate() error {
	if d.DeviceID == "" {
		return errors.WrapInvalid(errors.ErrInvalidDataset, "Dataset", "Validate", "empty device id")
	}
	if d.Metric == "" {
		return errors.WrapInvalid(errors.ErrInvalidDataset, "Dataset", "Validate", "empty metric")
	}
	for i, r := range d.Records {
		if !validUnit(r.Unit) {
			return errors.WrapInvalid(errors.ErrInvalidDataset, "Dataset", "Validate",
				fmt.Sprintf("malformed unit %q at record %d", r.Unit, i))
		}
		if i == 0 {
			continue
		}
		prev := d.Records[i-1].Time
		if r.Time.Before(prev) {
			return errors.WrapInvalid(errors.ErrInvalidDataset, "Dataset", "Validate",
				fmt.Sprintf("timestamps not monotonic at record %d", i))
		}
		if r.Time.Equal(prev) {
			return errors.WrapInvalid(errors.ErrInvalidDataset, "Dataset", "Validate",
				fmt.Sprintf("duplicate timestamp %s at record %d", r.Time.Format(time.RFC3339), i))
		}
	}
	return nil
}

// EncodeDataset serializes a dataset into the payload embedded in the
// success response body. The dataset is validated before encoding so a
// malformed dataset can never reach the wire.
func EncodeDataset(d Dataset) (*Payload, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	data := &Data{
		Device: d.DeviceID,
		Metric: d.Metric,
	}
	for _, r := range d.Records {
		data.Records = append(data.Records, RecordElem{
			Time:  r.Time.UTC().Format(time.RFC3339Nano),
			Value: r.Value,
			Unit:  r.Unit,
		})
	}
	return &Payload{Data: data}, nil
}

// MarshalData serializes a dataset as a standalone data element, the body
// of a subscription push message.
func MarshalData(d Dataset) ([]byte, error) {
	payload, err := EncodeDataset(d)
	if err != nil {
		return nil, err
	}
	out, err := xml.Marshal(payload.Data)
	if err != nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidDataset, "Dataset", "MarshalData",
			err.Error())
	}
	return out, nil
}

// UnmarshalData is the inverse of MarshalData.
func UnmarshalData(raw []byte) (Dataset, error) {
	var data Data
	if err := xml.Unmarshal(raw, &data); err != nil {
		return Dataset{}, errors.WrapInvalid(errors.ErrDecodeFailed, "Dataset", "UnmarshalData",
			err.Error())
	}
	return DecodeDataset(&Payload{Data: &data})
}

// DecodeDataset is the round-trip inverse of EncodeDataset. It fails with a
// decode error on malformed units, non-monotonic or duplicate timestamps,
// and unparseable timestamp values.
func DecodeDataset(p *Payload) (Dataset, error) {
	if p == nil || p.Data == nil {
		return Dataset{}, errors.WrapInvalid(errors.ErrDecodeFailed, "Dataset", "DecodeDataset",
			"payload carries no data element")
	}

	d := Dataset{
		DeviceID: p.Data.Device,
		Metric:   p.Data.Metric,
	}
	for i, rec := range p.Data.Records {
		ts, err := time.Parse(time.RFC3339, rec.Time)
		if err != nil {
			return Dataset{}, errors.WrapInvalid(errors.ErrDecodeFailed, "Dataset", "DecodeDataset",
				fmt.Sprintf("bad timestamp %q at record %d", rec.Time, i))
		}
		d.Records = append(d.Records, Record{
			Time:  ts,
			Value: rec.Value,
			Unit:  rec.Unit,
		})
	}

	if err := d.Validate(); err != nil {
		return Dataset{}, errors.WrapInvalid(errors.ErrDecodeFailed, "Dataset", "DecodeDataset",
			err.Error())
	}
	return d, nil
}
