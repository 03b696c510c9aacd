//go:build sqlite_fts5

package acceptance

import (
	"os"
	"testing"

	"github.com/cucumber/godog"
)

// TestFeatures runs all Gherkin acceptance tests
func TestFeatures(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping acceptance tests in short mode")
	}

	tags := os.Getenv("GODOG_TAGS")
	if tags == "" {
		tags = "~@wip"
	} else {
		tags = tags + "&&~@wip"
	}

	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
			Tags:     tags,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("acceptance tests failed")
	}
}

// InitializeScenario sets up step definitions
func InitializeScenario(ctx *godog.ScenarioContext) {
	tc := newTestContext()

	ctx.After(tc.cleanup)

	// Store lifecycle
	ctx.Step(`^an empty memory store$`, tc.emptyStore)
	ctx.Step(`^a memory store with retention of (\d+) days and a cap of (\d+) memories$`, tc.storeWithRetention)

	// Saving
	ctx.Step(`^I save a memory titled "([^"]*)" with content "([^"]*)"$`, tc.saveMemory)
	ctx.Step(`^I save a "([^"]*)" memory titled "([^"]*)" with content "([^"]*)"$`, tc.saveTypedMemory)
	ctx.Step(`^I save a private memory titled "([^"]*)" with content "([^"]*)"$`, tc.savePrivateMemory)
	ctx.Step(`^I save a memory titled "([^"]*)" with importance (\d+)$`, tc.saveWithImportance)
	ctx.Step(`^I try to save a memory titled "([^"]*)" with importance (\d+)$`, tc.trySaveWithImportance)
	ctx.Step(`^I save a batch where item (\d+) of (\d+) has no title$`, tc.saveBadBatch)

	// Searching and reading
	ctx.Step(`^I search for "([^"]*)"$`, tc.search)
	ctx.Step(`^I search for "([^"]*)" including private memories$`, tc.searchIncludingPrivate)
	ctx.Step(`^I should get (\d+) results?$`, tc.checkResultCount)
	ctx.Step(`^I should get no results$`, tc.checkNoResults)
	ctx.Step(`^the first result should be titled "([^"]*)"$`, tc.checkFirstResultTitle)
	ctx.Step(`^I fetch the saved memory by id$`, tc.fetchSaved)
	ctx.Step(`^its access count should be (\d+)$`, tc.checkAccessCount)

	// Outcomes
	ctx.Step(`^the save should be rejected$`, tc.checkSaveRejected)
	ctx.Step(`^the save should succeed$`, tc.checkSaveSucceeded)
	ctx.Step(`^the store should contain (\d+) memories$`, tc.checkStoreCount)
	ctx.Step(`^the store should contain (\d+) memory$`, tc.checkStoreCount)

	// Retention
	ctx.Step(`^the memory titled "([^"]*)" was created (\d+) days ago$`, tc.backdateMemory)
	ctx.Step(`^I apply the retention policy$`, tc.applyRetention)
	ctx.Step(`^the memory titled "([^"]*)" should be gone$`, tc.checkMemoryGone)
	ctx.Step(`^the memory titled "([^"]*)" should remain$`, tc.checkMemoryRemains)
}
