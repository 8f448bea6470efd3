package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"edgebrain/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// CurrentVersion stamps records written by this build.
func CurrentVersion() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeCheckpoint(c model.Checkpoint) ([]byte, error) {
	return json.Marshal(c)
}

func DecodeCheckpoint(data []byte) (model.Checkpoint, error) {
	var checkpoint model.Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return model.Checkpoint{}, err
	}
	if err := checkVersion(checkpoint.VersionedRecord); err != nil {
		return model.Checkpoint{}, err
	}
	return checkpoint, nil
}

func EncodeSummary(s model.RunSummary) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeSummary(data []byte) (model.RunSummary, error) {
	var summary model.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return model.RunSummary{}, err
	}
	return summary, nil
}

func EncodeStepMetrics(m model.StepMetrics) ([]byte, error) {
	return json.Marshal(m)
}

func DecodeStepMetrics(data []byte) (model.StepMetrics, error) {
	var metrics model.StepMetrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		return model.StepMetrics{}, err
	}
	return metrics, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: schema=%d codec=%d", ErrVersionMismatch, v.SchemaVersion, v.CodecVersion)
	}
	return nil
}
