package models

// CurrentSchemaVersion is stamped on every persisted aggregate to drive
// forward migrations.
const CurrentSchemaVersion int32 = 1
