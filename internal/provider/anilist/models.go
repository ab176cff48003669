package anilist

// mediaFields is the shared selection set for anime media objects.
const mediaFields = `
	idMal
	title { romaji english native }
	description(asHtml: false)
	season
	seasonYear
	episodes
	duration
	averageScore
	status
	format
	genres
	tags { name }
	coverImage { extraLarge large medium }
	bannerImage
	trailer { id site thumbnail }
	streamingEpisodes { title thumbnail url }
	airingSchedule(perPage: 50) { nodes { episode airingAt } }
`

const queryPopular = `query Popular($page: Int, $perPage: Int) {
	Page(page: $page, perPage: $perPage) {
		media(type: ANIME, sort: POPULARITY_DESC) {` + mediaFields + `}
	}
}`

const querySeasonal = `query Seasonal($season: MediaSeason, $seasonYear: Int, $page: Int, $perPage: Int) {
	Page(page: $page, perPage: $perPage) {
		media(type: ANIME, season: $season, seasonYear: $seasonYear) {` + mediaFields + `}
	}
}`

const queryByMALID = `query ByMALID($malId: Int) {
	Media(type: ANIME, idMal: $malId) {` + mediaFields + `}
}`

// Media is the Anilist media object, trimmed to the fields we map.
type Media struct {
	IDMal int64 `json:"idMal"`
	Title struct {
		Romaji  string `json:"romaji"`
		English string `json:"english"`
		Native  string `json:"native"`
	} `json:"title"`
	Description  string   `json:"description"`
	Season       string   `json:"season"`
	SeasonYear   int      `json:"seasonYear"`
	Episodes     int      `json:"episodes"`
	Duration     int      `json:"duration"`
	AverageScore float64  `json:"averageScore"` // 0-100
	Status       string   `json:"status"`
	Format       string   `json:"format"`
	Genres       []string `json:"genres"`
	Tags         []struct {
		Name string `json:"name"`
	} `json:"tags"`
	CoverImage struct {
		ExtraLarge string `json:"extraLarge"`
		Large      string `json:"large"`
		Medium     string `json:"medium"`
	} `json:"coverImage"`
	BannerImage string `json:"bannerImage"`
	Trailer     *struct {
		ID        string `json:"id"`
		Site      string `json:"site"`
		Thumbnail string `json:"thumbnail"`
	} `json:"trailer"`
	StreamingEpisodes []struct {
		Title     string `json:"title"`
		Thumbnail string `json:"thumbnail"`
		URL       string `json:"url"`
	} `json:"streamingEpisodes"`
	AiringSchedule *struct {
		Nodes []struct {
			Episode  int   `json:"episode"`
			AiringAt int64 `json:"airingAt"`
		} `json:"nodes"`
	} `json:"airingSchedule"`
}

// response is the GraphQL transport envelope.
type response struct {
	Data *struct {
		Page *struct {
			Media []Media `json:"media"`
		} `json:"Page"`
		Media *Media `json:"Media"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}
