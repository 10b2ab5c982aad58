package scan

// pattern is the declarative fingerprint of one tech stack. Matches
// contribute fractions of Weight: files 1.0x, directories 0.5x, extension
// patterns 0.3x, package-manifest dependency entries 1.0x.
type pattern struct {
	Files      []string
	Dirs       []string
	Extensions []string

	// Dependencies are package.json dependency keys (JavaScript family only).
	Dependencies []string

	Weight float64
}

const (
	fileFactor = 1.0
	dirFactor  = 0.5
	extFactor  = 0.3
	depFactor  = 1.0
)

// patterns is ordered-insensitive; ranking comes purely from accumulated
// confidence. New techs extend this table.
var patterns = map[string]pattern{
	"nodejs": {
		Files:      []string{"package.json", "server.js", "index.js", "app.js"},
		Dirs:       []string{"node_modules"},
		Extensions: []string{".js", ".mjs", ".cjs", ".ts"},
		Weight:     30,
	},
	"python": {
		Files:      []string{"requirements.txt", "pyproject.toml", "setup.py", "Pipfile", "manage.py", "main.py", "app.py"},
		Dirs:       []string{"venv", ".venv", "__pycache__"},
		Extensions: []string{".py"},
		Weight:     30,
	},
	"php": {
		Files:      []string{"composer.json", "index.php", "artisan"},
		Extensions: []string{".php"},
		Weight:     30,
	},
	"static": {
		Files:      []string{"index.html"},
		Extensions: []string{".html", ".htm", ".css"},
		Weight:     20,
	},
	"docker": {
		Files: []string{"Dockerfile", "docker-compose.yml", "docker-compose.yaml", ".dockerignore"},
		Dirs:  []string{".docker"},
		Weight: 25,
	},
	"react": {
		Files:        []string{"next.config.js"},
		Dependencies: []string{"react", "react-dom", "next"},
		Weight:       40,
	},
	"vue": {
		Files:        []string{"vue.config.js", "nuxt.config.js"},
		Dependencies: []string{"vue", "nuxt"},
		Weight:       40,
	},
	"angular": {
		Files:        []string{"angular.json"},
		Dependencies: []string{"@angular/core"},
		Weight:       40,
	},
}
