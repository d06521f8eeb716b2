package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

func scanChunk(scanner interface{ Scan(dest ...any) error }) (*Chunk, error) {
	var (
		id              string
		taskID          sql.NullString
		keyword         sql.NullString
		metadataJSON    sql.NullString
		status          string
		phase           sql.NullString
		attemptsJSON    sql.NullString
		errorMessage    sql.NullString
		resultURL       sql.NullString
		owner           sql.NullString
		countsJSON      sql.NullString
		artifactSHA     sql.NullString
		artifactBytes   sql.NullInt64
		artifactEntries sql.NullInt64
		createdRaw      sql.NullString
		updatedRaw      sql.NullString
		startedRaw      sql.NullString
		finishedRaw     sql.NullString
		heartbeatRaw    sql.NullString
	)
	if err := scanner.Scan(
		&id, &taskID, &keyword, &metadataJSON, &status, &phase, &attemptsJSON,
		&errorMessage, &resultURL, &owner, &countsJSON, &artifactSHA, &artifactBytes,
		&artifactEntries, &createdRaw, &updatedRaw, &startedRaw, &finishedRaw, &heartbeatRaw,
	); err != nil {
		return nil, err
	}

	chunk := &Chunk{
		ID:           id,
		TaskID:       taskID.String,
		Keyword:      keyword.String,
		Status:       Status(status),
		Phase:        Phase(phase.String),
		ErrorMessage: errorMessage.String,
		ResultURL:    resultURL.String,
		Owner:        owner.String,
		Artifact: Artifact{
			SHA256:  artifactSHA.String,
			Bytes:   artifactBytes.Int64,
			Entries: int(artifactEntries.Int64),
		},
	}
	if metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &chunk.Metadata)
	}
	if attemptsJSON.String != "" {
		_ = json.Unmarshal([]byte(attemptsJSON.String), &chunk.Attempts)
	}
	if countsJSON.String != "" {
		_ = json.Unmarshal([]byte(countsJSON.String), &chunk.Counts)
	}
	if t, err := parseTimeString(createdRaw.String); err == nil {
		chunk.CreatedAt = t
	}
	if t, err := parseTimeString(updatedRaw.String); err == nil {
		chunk.UpdatedAt = t
	}
	chunk.StartedAt = parseOptionalTime(startedRaw)
	chunk.FinishedAt = parseOptionalTime(finishedRaw)
	chunk.LastHeartbeat = parseOptionalTime(heartbeatRaw)
	return chunk, nil
}

func parseOptionalTime(raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	t, err := parseTimeString(raw.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// timeLayout has a fixed-width fraction so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
