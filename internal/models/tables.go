package models

// Table names, exactly as they appear in the snapshot document.
const (
	TableEntries          = "entries"
	TableProducts         = "products"
	TableProductPortions  = "productPortions"
	TableMealTemplates    = "mealTemplates"
	TableWeights          = "weights"
	TableDailyActivities  = "dailyActivities"
	TableHeartRateSamples = "heartRateSamples"
	TableSleepStages      = "sleepStages"
	TableStepsSamples     = "stepsSamples"
	TableWaterEntries     = "waterEntries"
	TableSettings         = "settings"
)

// TableNames lists every journal table in canonical (sorted) order.
var TableNames = []string{
	TableDailyActivities,
	TableEntries,
	TableHeartRateSamples,
	TableMealTemplates,
	TableProductPortions,
	TableProducts,
	TableSettings,
	TableSleepStages,
	TableStepsSamples,
	TableWaterEntries,
	TableWeights,
}

var knownTables = func() map[string]struct{} {
	m := make(map[string]struct{}, len(TableNames))
	for _, n := range TableNames {
		m[n] = struct{}{}
	}
	return m
}()

// IsKnownTable reports whether name is one of the journal tables.
func IsKnownTable(name string) bool {
	_, ok := knownTables[name]
	return ok
}

// TableSet maps table name to its records. The aggregate form the snapshot
// codec and the merge operate on.
type TableSet map[string][]Record
