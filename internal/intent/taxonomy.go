package intent

import "github.com/oscillatelabsllc/recall/internal/models"

// Taxonomy maps each intent label to the exemplars that define it.
type Taxonomy map[models.Intent][]string

// DefaultTaxonomy is the closed label set served out of the box.
func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		models.IntentCorrection: {
			"that is wrong, fix it",
			"no, I meant the other resource group",
			"you made a mistake in the last answer",
			"correct the previous command",
			"eso no es correcto, corrígelo",
		},
		models.IntentDiagnosis: {
			"why did the deployment fail",
			"the function app is returning 500 errors",
			"diagnose the failing pipeline",
			"what went wrong with the last run",
			"check the logs for errors",
			"por qué falló el despliegue",
		},
		models.IntentExecuteCLI: {
			"run az group list",
			"execute this command in the shell",
			"list all storage accounts with the cli",
			"restart the web app",
			"deploy the container to production",
			"ejecuta este comando",
		},
		models.IntentReadFile: {
			"show me the contents of config.yaml",
			"read the file in blob storage",
			"open the log file",
			"what does the readme say",
			"lee el archivo",
		},
		models.IntentManageReservation: {
			"book a reservation for tomorrow",
			"cancel my booking",
			"change the reservation to friday",
			"check the status of my reservation",
			"reserva una mesa para dos",
		},
		models.IntentGeneralChat: {
			"hello, how are you",
			"thanks for the help",
			"tell me a joke",
			"what can you do",
			"hola, buenos días",
		},
	}
}
