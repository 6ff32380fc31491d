package cache

import "fmt"

// Username table directions.
const (
	SourceToDestination = "source"
	DestinationToSource = "destination"
)

func TrackerLockKey(trackerID int64) string {
	return fmt.Sprintf("bulk_imports:tracker:%d:lock", trackerID)
}

func BatchLockKey(trackerID int64, batchNumber int) string {
	return fmt.Sprintf("bulk_imports:tracker:%d:batch:%d:lock", trackerID, batchNumber)
}

func ExportStatusKey(entityID int64, relation string) string {
	return fmt.Sprintf("bulk_imports:entity:%d:export_status:%s", entityID, relation)
}

func UsernameMapKey(bulkImportID int64, direction string) string {
	return fmt.Sprintf("bulk_imports:%d:usernames:%s", bulkImportID, direction)
}

func SourceXIDKey(entityID int64) string {
	return fmt.Sprintf("bulk_imports:entity:%d:source_xid", entityID)
}

func PendingExportsKey(portableID int64) string {
	return fmt.Sprintf("exports:portable:%d:pending", portableID)
}

func ExportsReadyKey(portableID int64) string {
	return fmt.Sprintf("exports:portable:%d:ready", portableID)
}
