package chronam

// wellKnownEarliestDates is a bundled dataset of earliest issue dates for
// publications that show up constantly in practice. Checked before any
// network round trip.
var wellKnownEarliestDates = map[string]string{
	"sn83045604": "1888-05-11", // The Seattle post-intelligencer
	"sn83030214": "1866-05-18", // New-York tribune
	"sn83030212": "1860-04-18", // The New York herald
	"sn84026749": "1854-03-28", // The Washington sentinel
	"sn86069873": "1865-01-05", // The Montana post
	"sn84022835": "1851-06-14", // The weekly Wisconsin
	"sn85066387": "1871-12-04", // Los Angeles daily herald
	"sn84020109": "1836-02-13", // Arkansas State gazette
	"sn82015209": "1865-12-21", // The daily phoenix
	"sn83025121": "1841-09-02", // Vermont watchman and State journal
	"sn84028490": "1852-01-01", // The daily dispatch (Richmond)
	"sn83016025": "1820-01-01", // Providence patriot
	"sn85038615": "1878-06-01", // The Stark County Democrat
	"sn84024738": "1865-11-23", // The Charleston daily news
	"sn86053954": "1889-11-21", // Omaha daily bee
}

// WellKnownEarliestDate returns the bundled earliest issue date for an
// LCCN, if present.
func WellKnownEarliestDate(lccn string) (string, bool) {
	d, ok := wellKnownEarliestDates[lccn]
	return d, ok
}
