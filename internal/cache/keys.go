package cache

import "fmt"

// Key builders for the cache keyspace. Keeping them in one place means the
// invalidation globs and the read paths cannot drift apart.

func ReviewsKey(branchID string, limit, offset int) string {
	return fmt.Sprintf("reviews:%s:%d:%d", branchID, limit, offset)
}

func BranchStatsKey(branchID string) string {
	return fmt.Sprintf("branch_stats:%s", branchID)
}

func GeneralStatsKey() string {
	return "general_stats"
}

func RecentReviewsKey(days int) string {
	return fmt.Sprintf("recent_reviews:%d", days)
}

func BranchesListKey() string {
	return "branches_list"
}
